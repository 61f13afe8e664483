package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/mcpmux/internal/mcp"
	"github.com/haasonsaas/mcpmux/internal/trends"
)

type trendsOp int

const (
	trendsInit trendsOp = iota
	trendsKeywords
	trendsSearch
	trendsCalc
	trendsDetails
	trendsExport
)

type trendsArgs struct {
	keywords   []string
	days       int
	perKeyword int
	order      string
	region     string
	limit      int
	path       string
}

// runTrends starts only the trends server and runs one flow against it.
func runTrends(cmd *cobra.Command, opts *rootOptions, op trendsOp, args *trendsArgs) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := newApp(opts)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.startPool(ctx, a.cfg.Trends.Server); err != nil {
		return err
	}
	client := trends.New(a.pool,
		trends.WithServer(a.cfg.Trends.Server),
		trends.WithLogger(a.logger),
		trends.WithMetrics(a.metrics),
		trends.WithStateFile(trends.NewStateFile(a.cfg.Trends.StateFile)),
	)

	res, err := dispatchTrends(ctx, client, op, args)
	if err != nil {
		return err
	}
	return printResult(cmd.OutOrStdout(), res)
}

func dispatchTrends(ctx context.Context, client *trends.Client, op trendsOp, args *trendsArgs) (mcp.Result, error) {
	if args == nil {
		args = &trendsArgs{}
	}
	switch op {
	case trendsInit:
		return client.EnsureInitialized(ctx)
	case trendsKeywords:
		return client.RegisterKeywords(ctx, args.keywords)
	case trendsSearch:
		return client.SearchRecent(ctx, trends.SearchParams{
			Days:       args.days,
			PerKeyword: args.perKeyword,
			Order:      args.order,
			Region:     args.region,
		})
	case trendsCalc:
		return client.CalcTrends(ctx, args.limit)
	case trendsDetails:
		keyword := ""
		if len(args.keywords) > 0 {
			keyword = args.keywords[0]
		}
		return client.TrendDetails(ctx, keyword, args.limit, args.region)
	case trendsExport:
		return client.ExportReport(ctx, args.path)
	}
	return mcp.Result{}, fmt.Errorf("unknown trends operation %d", op)
}
