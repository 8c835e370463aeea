package database

const schema = `
CREATE TABLE IF NOT EXISTS email_accounts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    email TEXT NOT NULL,
    password TEXT NOT NULL,
    imap_server TEXT NOT NULL,
    chat_id INTEGER NOT NULL,
    folders TEXT NOT NULL DEFAULT '',
    sent_folder TEXT NOT NULL DEFAULT '',
    is_active BOOLEAN DEFAULT true,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(chat_id, email)
);

CREATE TABLE IF NOT EXISTS emails (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id INTEGER NOT NULL REFERENCES email_accounts(id) ON DELETE CASCADE,
    message_id TEXT NOT NULL DEFAULT '',
    uid TEXT NOT NULL,
    uid_validity INTEGER NOT NULL DEFAULT 0,
    mailbox TEXT NOT NULL DEFAULT 'INBOX',
    sender TEXT NOT NULL DEFAULT '',
    recipients TEXT NOT NULL DEFAULT '',
    subject TEXT NOT NULL DEFAULT '',
    normalized_subject TEXT NOT NULL DEFAULT '',
    date DATETIME NOT NULL,
    body_text TEXT NOT NULL DEFAULT '',
    body_html TEXT NOT NULL DEFAULT '',
    thread_id INTEGER,
    in_reply_to TEXT NOT NULL DEFAULT '',
    references_header TEXT NOT NULL DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(account_id, mailbox, uid_validity, uid)
);

CREATE TABLE IF NOT EXISTS chat_event_cursors (
    chat_id INTEGER PRIMARY KEY,
    last_event_id INTEGER NOT NULL DEFAULT 0,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS pending_deletions (
    chat_id INTEGER NOT NULL,
    thread_id INTEGER NOT NULL,
    event_id INTEGER NOT NULL,
    detected_at DATETIME NOT NULL,
    processed_at DATETIME,
    attempts INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    PRIMARY KEY (chat_id, thread_id)
);

CREATE INDEX IF NOT EXISTS idx_accounts_chat ON email_accounts(chat_id);
CREATE INDEX IF NOT EXISTS idx_accounts_active ON email_accounts(is_active);
CREATE INDEX IF NOT EXISTS idx_emails_message_id ON emails(account_id, message_id);
CREATE INDEX IF NOT EXISTS idx_emails_subject ON emails(account_id, normalized_subject, date);
CREATE INDEX IF NOT EXISTS idx_emails_thread ON emails(thread_id);
CREATE INDEX IF NOT EXISTS idx_pending_deletions_open ON pending_deletions(chat_id, processed_at);
`
