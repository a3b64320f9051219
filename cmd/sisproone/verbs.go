package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/salvadorguc/sisproone-micro/cmd/sisproone/ui"
	"github.com/salvadorguc/sisproone-micro/config"
	"github.com/salvadorguc/sisproone-micro/internal/buffer"
	"github.com/salvadorguc/sisproone-micro/internal/mes"
)

// login builds an authenticated client from the config.
func login(ctx context.Context, cfg *config.Config) (*mes.Client, error) {
	client := mes.New(cfg.MES.BaseURL, cfg.MES.Username, cfg.MES.Password, cfg.MES.CompanyID)
	if err := client.Authenticate(ctx); err != nil {
		return nil, fmt.Errorf("mes login: %w", err)
	}
	return client, nil
}

func stationsCmd(cfgPath *string) *cobra.Command {
	var selectID int
	cmd := &cobra.Command{
		Use:   "stations",
		Short: "List MES work stations, optionally persisting a selection",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			client, err := login(ctx, cfg)
			if err != nil {
				return err
			}
			stations, err := client.ListStations(ctx)
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(stations))
			for _, st := range stations {
				name := st.Name
				if st.ID == cfg.Station.ID {
					name = ui.Accent(name + " (current)")
				}
				rows = append(rows, []string{strconv.Itoa(st.ID), name, st.Description})
			}
			fmt.Println(ui.Table([]string{"ID", "NAME", "DESCRIPTION"}, rows))

			if selectID == 0 {
				return nil
			}
			for _, st := range stations {
				if st.ID == selectID {
					if err := cfg.SaveStation(*cfgPath, st.ID, st.Name); err != nil {
						return err
					}
					fmt.Println(ui.SuccessMsg("station %d (%s) saved", st.ID, st.Name))
					return nil
				}
			}
			return fmt.Errorf("station %d not found", selectID)
		},
	}
	cmd.Flags().IntVar(&selectID, "select", 0, "Persist this station as the current one")
	return cmd
}

func ordersCmd(cfgPath *string) *cobra.Command {
	var stationID int
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "List manufacturing orders assigned to a station",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			if stationID == 0 {
				stationID = cfg.Station.ID
			}
			if stationID == 0 {
				return fmt.Errorf("no station selected: pass --station or run `sisproone stations --select`")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			client, err := login(ctx, cfg)
			if err != nil {
				return err
			}
			orders, err := client.ListAssignedOrders(ctx, stationID)
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(orders))
			for _, o := range orders {
				state := ui.Muted("open")
				if o.Closed {
					state = "closed"
				} else if !o.Selectable() {
					state = ui.Muted("done")
				}
				rows = append(rows, []string{
					o.Code, o.ProductCode, o.ProductUPC,
					strconv.Itoa(o.QuantityTarget), strconv.Itoa(o.QuantityPending),
					o.Priority, state,
				})
			}
			fmt.Println(ui.Table(
				[]string{"ORDER", "PRODUCT", "UPC", "TARGET", "PENDING", "PRIORITY", "STATE"}, rows))
			return nil
		},
	}
	cmd.Flags().IntVar(&stationID, "station", 0, "Station id (default: configured station)")
	return cmd
}

func pendingCmd(cfgPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Show the local buffer: totals and the oldest unsynced rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			store, err := buffer.Open(cfg.Buffer.Path, nil)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			stats, err := store.Stats(ctx)
			if err != nil {
				return err
			}
			pairs := []ui.Pair{
				ui.KV("total", strconv.Itoa(stats.Total)),
				ui.KV("pending", strconv.Itoa(stats.Pending)),
				ui.KV("synced", strconv.Itoa(stats.Synced)),
				ui.KV("rejected", strconv.Itoa(stats.Rejected)),
			}
			for src, n := range stats.BySource {
				pairs = append(pairs, ui.KV("source "+string(src), strconv.Itoa(n)))
			}
			fmt.Print(ui.KeyValues("", pairs...))

			if stats.Pending == 0 {
				fmt.Println(ui.SuccessMsg("buffer fully replicated"))
				return nil
			}
			batch, err := store.PendingBatch(ctx, limit)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(batch))
			for _, inc := range batch {
				rows = append(rows, []string{
					strconv.FormatInt(inc.Seq, 10), inc.OrderCode,
					strconv.Itoa(inc.Quantity), string(inc.Source),
					inc.OccurredAt.Local().Format("2006-01-02 15:04:05"),
				})
			}
			fmt.Println(ui.Table([]string{"SEQ", "ORDER", "QTY", "SOURCE", "OCCURRED AT"}, rows))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Rows to display")
	return cmd
}
