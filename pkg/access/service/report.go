package service

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// reportTimeFormat is the layout of the dateTime field added to error reports
const reportTimeFormat = "2006-01-02 15:04:05"

func newReportID() string {
	return uuid.NewString()
}

// ReportError records a client side error. The payload is enriched with the
// time, the server's host name, the reporting user and a report id, and
// written to the error log. Anonymous reports are accepted.
func (s *Service) ReportError(ctx context.Context, payload map[string]any) map[string]any {
	report := make(map[string]any, len(payload)+4)
	for k, v := range payload {
		report[k] = v
	}

	report["id"] = s.newID()
	report["dateTime"] = s.now().Format(reportTimeFormat)

	machine, err := s.hostname()
	if err != nil {
		machine = "unknown"
	}
	report["machine"] = machine

	var user map[string]any
	if acting, err := s.acting(ctx, s.store); err == nil {
		user = map[string]any{
			"id":        acting.ID,
			"email":     acting.Email,
			"name":      acting.Name,
			"authority": acting.Authority,
		}
	}
	report["user"] = user

	s.log.Error("client error report", zap.Any("report", report))
	return report
}
