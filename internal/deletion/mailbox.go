package deletion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mixelka/tgmailsync/internal/database"
	"github.com/mixelka/tgmailsync/internal/email"
	"github.com/mixelka/tgmailsync/internal/retry"
	"github.com/mixelka/tgmailsync/pkg/models"
)

// deleteForAccount removes one account's records of a deleted thread.
// Provider records are expunged from their mailbox; synthetic outgoing records are
// looked up in the Sent folder by Message-ID.
func (w *Worker) deleteForAccount(ctx context.Context, accountID int64, recs []*models.EmailRecord, logger *slog.Logger) error {
	logger = logger.With("account_id", accountID)

	acc, err := w.store.GetAccountByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			logger.Warn("account of deleted thread no longer exists")
			return nil
		}
		return err
	}

	byMailbox := make(map[string][]*models.EmailRecord)
	var mailboxes []string
	var synthetic []*models.EmailRecord
	needSession := false

	for _, rec := range recs {
		if _, ok := rec.ProviderUID(); ok {
			if _, seen := byMailbox[rec.Mailbox]; !seen {
				mailboxes = append(mailboxes, rec.Mailbox)
			}
			byMailbox[rec.Mailbox] = append(byMailbox[rec.Mailbox], rec)
			needSession = true
			continue
		}
		synthetic = append(synthetic, rec)
		if rec.MessageID != "" {
			needSession = true
		}
	}

	var session email.Session
	if needSession {
		session, err = retry.Do(ctx, w.cfg.Policy, logger, "dial", func(ctx context.Context) (email.Session, error) {
			return w.dialer.Dial(ctx, acc)
		})
		if err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		defer func() {
			if err := session.Close(); err != nil {
				logger.Debug("failed to close session", "error", err)
			}
		}()
	}

	var errs []error
	for _, mailbox := range mailboxes {
		group := byMailbox[mailbox]

		var uids []uint32
		var unlocated int
		err := retry.Run(ctx, w.cfg.Policy, logger, "delete_messages", func(ctx context.Context) error {
			if err := session.Select(ctx, mailbox); err != nil {
				return err
			}
			var stale []*models.EmailRecord
			uids, stale = splitByValidity(group, session.UIDValidity())

			// UIDs of a reset mailbox may name other mail; only the Message-ID is trusted
			unlocated = 0
			for _, rec := range stale {
				if rec.MessageID == "" {
					unlocated++
					continue
				}
				found, err := session.SearchMessageID(ctx, rec.MessageID)
				if err != nil {
					return err
				}
				uids = append(uids, found...)
			}
			return session.Delete(ctx, uids)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to delete from %s: %w", mailbox, err))
			continue
		}
		if unlocated > 0 {
			logger.Warn("UIDVALIDITY changed, emails without Message-ID left on server",
				"mailbox", mailbox,
				"count", unlocated,
			)
		}
		logger.Info("deleted emails from mailbox", "mailbox", mailbox, "count", len(uids))

		errs = append(errs, w.forget(ctx, group)...)
	}

	sentFolder := acc.SentFolder
	if sentFolder == "" {
		sentFolder = w.cfg.SentFolder
	}
	for _, rec := range synthetic {
		if rec.MessageID != "" {
			err := retry.Run(ctx, w.cfg.Policy, logger, "delete_outgoing", func(ctx context.Context) error {
				if err := session.Select(ctx, sentFolder); err != nil {
					return err
				}
				uids, err := session.SearchMessageID(ctx, rec.MessageID)
				if err != nil {
					return err
				}
				return session.Delete(ctx, uids)
			})
			if err != nil {
				errs = append(errs, fmt.Errorf("failed to delete outgoing %s: %w", rec.MessageID, err))
				continue
			}
			logger.Info("deleted outgoing email", "mailbox", sentFolder, "message_id", rec.MessageID)
		}

		errs = append(errs, w.forget(ctx, []*models.EmailRecord{rec})...)
	}

	return errors.Join(errs...)
}

// splitByValidity returns the UIDs still valid in the selected mailbox and the records
// stored under another UIDVALIDITY. Records without a known validity count as valid.
func splitByValidity(recs []*models.EmailRecord, current uint32) ([]uint32, []*models.EmailRecord) {
	var uids []uint32
	var stale []*models.EmailRecord
	for _, rec := range recs {
		if rec.UIDValidity != 0 && current != 0 && rec.UIDValidity != current {
			stale = append(stale, rec)
			continue
		}
		uid, _ := rec.ProviderUID()
		uids = append(uids, uid)
	}
	return uids, stale
}

// forget removes local records whose server copies are gone
func (w *Worker) forget(ctx context.Context, recs []*models.EmailRecord) []error {
	var errs []error
	for _, rec := range recs {
		if err := w.store.DeleteEmail(ctx, rec.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
