package api

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/PooyaKeshvari/ProductScrapperV2/internal/competitor"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/model"
)

// SeedKnownCompetitors 确保名称表中的常见站点都有竞争对手记录。
//
// 按 host 获取或创建，已存在的记录（包括 worker 自动发现的）保持不变，可重复执行。
func (s *Server) SeedKnownCompetitors(ctx context.Context) error {
	hosts := competitor.KnownHosts()
	for _, host := range hosts {
		if _, err := s.store.UpsertCompetitor(ctx, &model.Competitor{
			Name:        competitor.DisplayName(host),
			WebsiteURL:  "https://" + host,
			WebsiteHost: host,
		}); err != nil {
			return fmt.Errorf("seed competitor %s: %w", host, err)
		}
	}
	s.logger.Info("known competitors seeded", slog.Int("hosts", len(hosts)))
	return nil
}
