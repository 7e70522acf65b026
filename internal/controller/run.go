package controller

import (
	"context"

	"golang.org/x/sync/errgroup"

	"newsriver/internal/broker"
	"newsriver/internal/domain"
)

// Run starts every controller duty — reconciler workers, the save_article
// worker, the RPC server, and the scheduler — and blocks until ctx is done
// or one of them fails.
func (c *Controller) Run(ctx context.Context, b *broker.Broker) error {
	srv := b.RPCServer(domain.ExchangeControlRPC)
	c.RegisterRPCs(srv)

	g, ctx := errgroup.WithContext(ctx)

	updates := []struct {
		exchange   string
		routingKey string
		collection string
	}{
		{domain.ExchangeFeeds, domain.RouteUpdateFeed, domain.CollectionFeeds},
		{domain.ExchangeArticles, domain.RouteUpdateArticle, domain.CollectionArticles},
		{domain.ExchangeImages, domain.RouteUpdateImage, domain.CollectionImages},
	}
	for _, u := range updates {
		u := u
		g.Go(func() error {
			return b.Worker(ctx, u.exchange, u.routingKey, broker.WorkerOptions{},
				c.UpdateHandler(u.collection))
		})
	}

	g.Go(func() error {
		return b.Worker(ctx, domain.ExchangeArticles, domain.RouteSaveArticle,
			broker.WorkerOptions{}, c.HandleSaveArticle)
	})
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error { return c.StartScheduler(ctx) })

	return g.Wait()
}
