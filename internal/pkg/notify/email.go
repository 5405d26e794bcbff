package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"github.com/PooyaKeshvari/ProductScrapperV2/internal/config"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/model"

	"gopkg.in/gomail.v2"
)

// EmailNotifier 通过 SMTP 发送任务失败告警。
type EmailNotifier struct {
	cfg    *config.EmailConfig
	logger *slog.Logger
	send   func(m *gomail.Message) error
}

// NewEmailNotifier 创建一个新的邮件通知器。
func NewEmailNotifier(cfg *config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	n := &EmailNotifier{
		cfg:    cfg,
		logger: logger,
	}
	n.send = func(m *gomail.Message) error {
		d := gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass)
		return d.DialAndSend(m)
	}
	return n
}

// JobFailed 发送失败告警；SMTP 未配置或没有收件人时静默跳过。
func (n *EmailNotifier) JobFailed(ctx context.Context, job *model.ScrapeJob, productName string) error {
	if job == nil {
		return nil
	}
	if n.cfg.SMTPHost == "" || n.cfg.SMTPUser == "" || n.cfg.FromEmail == "" {
		n.logger.Warn("email config missing, skip notification")
		return nil
	}
	if strings.TrimSpace(n.cfg.NotifyTo) == "" {
		n.logger.Warn("email recipient empty, skip notification")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", n.cfg.NotifyTo)
	m.SetHeader("Subject", fmt.Sprintf("[ProductScrapper] scrape job #%d failed", job.ID))
	m.SetBody("text/html", buildFailureBody(job, productName))

	if err := n.send(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	n.logger.Info("failure notification sent",
		slog.String("to", n.cfg.NotifyTo),
		slog.Uint64("job_id", uint64(job.ID)))
	return nil
}

func buildFailureBody(job *model.ScrapeJob, productName string) string {
	reason := "unknown"
	if job.ErrorMessage != nil && *job.ErrorMessage != "" {
		reason = *job.ErrorMessage
	}

	template := `<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif;">
  <div style="max-width: 560px; margin: 0 auto; padding: 16px;">
    <h2>Scrape job #%d failed</h2>
    <p><b>Product:</b> <span dir="auto">%s</span></p>
    <p><b>Attempts:</b> %d</p>
    <p><b>Reason:</b> %s</p>
    <p style="color: #6b7280; font-size: 12px;">The job can be re-queued from the dashboard.</p>
  </div>
</body>
</html>`
	return fmt.Sprintf(template, job.ID, html.EscapeString(productName), job.AttemptCount, html.EscapeString(reason))
}
