package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"pouw/core"
)

var inspectCmd = &cli.Command{
	Name:  "inspect",
	Usage: "Read the local chain (the node must be stopped)",
	Subcommands: []*cli.Command{
		{
			Name:   "tip",
			Usage:  "Show the current tip",
			Action: inspectTip,
		},
		{
			Name:  "blocks",
			Usage: "List active-chain blocks by height",
			Flags: []cli.Flag{
				&cli.Uint64Flag{Name: "from", Usage: "first height"},
				&cli.Uint64Flag{Name: "to", Value: ^uint64(0), Usage: "last height, capped at the tip"},
			},
			Action: inspectBlocks,
		},
	},
}

func withEngine(cctx *cli.Context, fn func(*core.Engine) error) (err error) {
	cfg, err := loadConfig(cctx)
	if err != nil {
		return err
	}
	st, _, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, st.Close()) }()
	e, err := st.engine(cfg)
	if err != nil {
		return err
	}
	return fn(e)
}

func inspectTip(cctx *cli.Context) error {
	return withEngine(cctx, func(e *core.Engine) error {
		tip := e.Tip()
		hdr, err := e.TipHeader()
		if err != nil {
			return err
		}
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendRows([]table.Row{
			{"genesis", e.Genesis()},
			{"tip", tip.Hash},
			{"height", tip.Height},
			{"cumulative work", fmt.Sprintf("%.6f", tip.CumulativeWork)},
			{"timestamp", formatTime(hdr.Timestamp)},
		})
		tw.Render()
		return nil
	})
}

func inspectBlocks(cctx *cli.Context) error {
	return withEngine(cctx, func(e *core.Engine) error {
		blocks, err := e.BlocksInRange(cctx.Uint64("from"), cctx.Uint64("to"))
		if err != nil {
			return err
		}
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(table.Row{"Height", "Hash", "Time", "Miner", "Tier", "Score", "Work", "Gas", "Reward"})
		for _, b := range blocks {
			hdr, err := e.GetHeader(b.BlockHash)
			if err != nil {
				return err
			}
			p, err := core.DecodePayload(b.Payload)
			if err != nil {
				return err
			}
			tw.AppendRow(table.Row{
				hdr.Height,
				hdr.BlockHash.Short(),
				formatTime(hdr.Timestamp),
				p.Miner,
				p.Tier,
				fmt.Sprintf("%.4f", p.WorkScore),
				fmt.Sprintf("%.4f", hdr.CumulativeWork),
				p.GasUsed.String(),
				p.Reward.String(),
			})
		}
		tw.SetStyle(table.StyleLight)
		tw.Render()
		return nil
	})
}

func formatTime(ts float64) string {
	sec := int64(ts)
	return time.Unix(sec, int64((ts-float64(sec))*1e9)).UTC().Format(time.RFC3339Nano)
}
