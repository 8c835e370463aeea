package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTMLParserParse(t *testing.T) {
	p := NewHTMLParser()

	text, err := p.Parse(`<html><head><style>p{color:red}</style></head><body>
		<p>Hello, world</p><script>alert(1)</script>
		<div>Second   line&#8203;</div></body></html>`)
	require.NoError(t, err)
	assert.Equal(t, "Hello, world\nSecond line", text)

	blocks, err := p.Parse(`<p>Your code: 123456</p><a href="https://example.com/pay">Pay</a>` +
		`<table><tr><td>Total</td><td>10&nbsp;EUR</td></tr></table>Line<br>break<ul><li>one</li><li>two</li></ul>`)
	require.NoError(t, err)
	assert.Equal(t, "Your code: 123456\nPay\nTotal 10 EUR\nLine\nbreak\none\ntwo", blocks)

	inline, err := p.Parse(`<span>Hello</span>, <b>world</b>`)
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", inline)

	empty, err := p.Parse("")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestExtractLinks(t *testing.T) {
	p := NewHTMLParser()
	html := `<a href="https://example.com/a">Open   A</a>
		<a href="mailto:x@example.com">mail</a>
		<a href="https://example.com/a">dup</a>
		<a href="javascript:void(0)">js</a>
		<a href="http://example.org/b"></a>
		<a href="https://example.net/c">C</a>`

	links, err := p.ExtractLinks(html, 5)
	require.NoError(t, err)
	assert.Equal(t, []Link{
		{Text: "Open A", URL: "https://example.com/a"},
		{Text: "example.org", URL: "http://example.org/b"},
		{Text: "C", URL: "https://example.net/c"},
	}, links)

	limited, err := p.ExtractLinks(html, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestDetectCodes(t *testing.T) {
	d := NewCodeDetector()

	tests := []struct {
		name string
		text string
		want []string
	}{
		{name: "otp keyword", text: "Your code: 482913", want: []string{"482913"}},
		{name: "russian keyword", text: "Ваш код 5521", want: []string{"5521"}},
		{name: "standalone line", text: "Use this:\n  778899  \nThanks", want: []string{"778899"}},
		{name: "russian with filler", text: "Ваш код подтверждения: 7731.", want: []string{"7731"}},
		{name: "alphanumeric", text: "Recovery code: A7K2PQ", want: []string{"A7K2PQ"}},
		{name: "alphanumeric needs a digit", text: "Promo code: SUMMER", want: nil},
		{name: "glued to a word", text: "Your code: 123456Pay", want: nil},
		{name: "keyword inside a word", text: "Monkey business 12345678", want: nil},
		{name: "token", text: "API key: ab12cd34ef56", want: []string{"ab12cd34ef56"}},
		{name: "nothing", text: "Meeting at 10 tomorrow", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, c := range d.DetectCodes(tt.text, 0) {
				got = append(got, c.Value)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDetectCodesLimit(t *testing.T) {
	d := NewCodeDetector()
	codes := d.DetectCodes("code 1111\ncode 2222\ncode 3333", 2)
	assert.Len(t, codes, 2)
}
