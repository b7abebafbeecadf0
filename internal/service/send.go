package service

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/mmeshcher/invoicing-system/internal/apperr"
	"github.com/mmeshcher/invoicing-system/internal/metrics"
	"github.com/mmeshcher/invoicing-system/internal/model"
)

// sendLocks сериализует отправки одного счёта внутри процесса, чтобы параллельные
// запросы не прошли проверку лимита одновременно.
type sendLocks [64]sync.Mutex

func (l *sendLocks) lock(invoiceID int64) func() {
	m := &l[uint64(invoiceID)%uint64(len(l))]
	m.Lock()
	return m.Unlock
}

// SendInvoice отправляет счёт плательщику от имени подключённого почтового аккаунта.
//
// Лимит отправок и оплата проверяются до любых внешних вызовов. Попытка попадает
// в историю отправок по правилам Config.Policy; запись выполняется и при отмене ctx.
// Возвращает счёт с пересчитанным статусом.
func (s *Service) SendInvoice(ctx context.Context, userID, id int64) (*model.InvoiceView, error) {
	unlock := s.sendLocks.lock(id)
	defer unlock()

	view, err := s.GetInvoice(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	inv := view.Invoice

	if err := s.limiter.Check(view.Status, inv.SendCount); err != nil {
		s.metrics.InvoiceSend(metrics.OutcomeRejected)
		return nil, err
	}

	cred, err := s.loadCredential(ctx, userID)
	if err != nil {
		s.metrics.InvoiceSend(metrics.OutcomeCredential)
		return nil, err
	}
	cred, err = s.credentials.EnsureValid(ctx, cred)
	if err != nil {
		s.metrics.InvoiceSend(metrics.OutcomeCredential)
		return nil, err
	}

	pdf, err := s.renderer.Render(ctx, *view)
	if err != nil {
		s.metrics.InvoiceSend(metrics.OutcomeTransport)
		return nil, err
	}
	msg, err := s.compose(*view, pdf)
	if err != nil {
		s.metrics.InvoiceSend(metrics.OutcomeTransport)
		return nil, apperr.Wrap(err, apperr.ErrTransport, "compose invoice email")
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	messageID, sendErr := s.sender.Send(sendCtx, cred, msg)
	cancel()
	if sendErr != nil && apperr.KindOf(sendErr) == apperr.KindInternal {
		sendErr = apperr.Wrap(sendErr, apperr.ErrTransport, "send invoice")
	}

	if s.policy.ShouldRecord(sendErr) {
		rec := &model.SendHistoryRecord{
			InvoiceID:         inv.ID,
			SentAt:            s.now(),
			RecipientEmail:    view.Payer.Email,
			ProviderMessageID: messageID,
			Metadata: map[string]string{
				"provider": s.provider,
				"from":     cred.AccountEmail,
				"outcome":  "sent",
			},
		}
		if sendErr != nil {
			rec.Metadata["outcome"] = "failed"
			rec.Metadata["error"] = sendErr.Error()
		}

		// Попытка уже состоялась, поэтому отмена запроса не должна помешать записи.
		if err := s.repo.AppendSendHistory(context.WithoutCancel(ctx), rec); err != nil {
			s.metrics.InvoiceSend(metrics.OutcomeRecordFailure)
			s.logger.Error("append send history failed",
				zap.Error(err), zap.Int64("invoiceID", inv.ID),
				zap.String("messageID", messageID), zap.NamedError("sendError", sendErr))
			if sendErr != nil {
				return nil, sendErr
			}
			return nil, err
		}
	}

	if sendErr != nil {
		s.metrics.InvoiceSend(metrics.OutcomeTransport)
		s.logger.Warn("invoice send failed", zap.Error(sendErr), zap.Int64("invoiceID", inv.ID))
		return nil, sendErr
	}

	s.metrics.InvoiceSend(metrics.OutcomeSent)
	s.logger.Info("invoice sent",
		zap.Int64("userID", userID), zap.Int64("invoiceID", inv.ID),
		zap.String("to", view.Payer.Email), zap.String("messageID", messageID))

	count, err := s.repo.CountSendHistory(ctx, inv.ID)
	if err != nil {
		return nil, err
	}
	view.Invoice.SendCount = count
	refreshed := s.buildView(view.Invoice, view.Payer, view.Receiver)
	return &refreshed, nil
}
