package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"pandora/internal/datamanager"
	"pandora/internal/domain"
	"pandora/internal/monitor"
	"pandora/internal/recorder"
	"pandora/internal/store"
)

// contract holds the --symbol/--exchange flags.
type contract struct {
	symbol   string
	exchange string
}

func (c *contract) bind(cmd *cobra.Command, required bool) {
	cmd.Flags().StringVar(&c.symbol, "symbol", "", "contract symbol, e.g. rb2405")
	cmd.Flags().StringVar(&c.exchange, "exchange", "", "exchange code, e.g. SHFE")
	if required {
		_ = cmd.MarkFlagRequired("symbol")
		_ = cmd.MarkFlagRequired("exchange")
	}
}

func (c *contract) ex() domain.Exchange {
	return domain.Exchange(strings.ToUpper(c.exchange))
}

// span holds the --start/--end flags.
type span struct {
	start string
	end   string
}

func (s *span) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&s.start, "start", "", "start time, YYYY-MM-DD[ HH:MM:SS] (default unbounded)")
	cmd.Flags().StringVar(&s.end, "end", "", "end time, YYYY-MM-DD[ HH:MM:SS] (default unbounded)")
}

// parse resolves the flags in loc. A bare end date covers the whole day.
func (s *span) parse(loc *time.Location) (start, end time.Time, err error) {
	if start, err = parseTime(s.start, loc); err != nil {
		return
	}
	if end, err = parseTime(s.end, loc); err != nil {
		return
	}
	if len(s.end) == len(time.DateOnly) {
		end = end.Add(24*time.Hour - time.Millisecond)
	}
	return start, end, nil
}

func parseTime(s string, loc *time.Location) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.DateTime, time.DateOnly} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q (want YYYY-MM-DD or YYYY-MM-DD HH:MM:SS)", s)
}

// ---------------------------------------------------------------------------
// download-ticks
// ---------------------------------------------------------------------------

func downloadTicksCmd() *cobra.Command {
	var (
		c contract
		r span
	)
	cmd := &cobra.Command{
		Use:   "download-ticks",
		Short: "Download historical ticks from the market-data feed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := current.open()
			if err != nil {
				return err
			}
			start, end, err := r.parse(current.loc)
			if err != nil {
				return err
			}
			if start.IsZero() || end.IsZero() {
				return errors.New("download-ticks needs --start and --end")
			}
			n, err := m.DownloadTicks(cmd.Context(), c.symbol, c.ex(), start, end)
			if err != nil {
				return err
			}
			fmt.Printf("downloaded %d ticks for %s\n", n, domain.Key(c.symbol, c.ex()))
			return nil
		},
	}
	c.bind(cmd, true)
	r.bind(cmd)
	return cmd
}

// ---------------------------------------------------------------------------
// download-bars
// ---------------------------------------------------------------------------

func downloadBarsCmd() *cobra.Command {
	var (
		c        contract
		r        span
		interval string
		rebuild  string
	)
	cmd := &cobra.Command{
		Use:   "download-bars",
		Short: "Download historical bars from the market-data feed",
		Long: `Download historical bars from the market-data feed.

With --rebuild, the downloaded one-minute bars are then replayed through the
windows the tag names, as "rebuild --tag" would.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := current.open()
			if err != nil {
				return err
			}
			iv, err := domain.ParseInterval(interval)
			if err != nil {
				return err
			}
			start, end, err := r.parse(current.loc)
			if err != nil {
				return err
			}
			if start.IsZero() || end.IsZero() {
				return errors.New("download-bars needs --start and --end")
			}
			if rebuild != "" && iv != domain.IntervalMinute {
				return errors.New("--rebuild needs --interval 1m")
			}

			n, err := m.DownloadBars(cmd.Context(), c.symbol, c.ex(), iv, start, end)
			if err != nil {
				return err
			}
			fmt.Printf("downloaded %d %s bars for %s\n", n, iv, domain.Key(c.symbol, c.ex()))

			if rebuild == "" || n == 0 {
				return nil
			}
			n, err = m.RebuildBars(cmd.Context(), c.symbol, c.ex(), rebuild, start, end)
			if err != nil {
				return err
			}
			fmt.Printf("rebuilt %d bars (tag %s)\n", n, rebuild)
			return nil
		},
	}
	c.bind(cmd, true)
	r.bind(cmd)
	cmd.Flags().StringVar(&interval, "interval", string(domain.IntervalMinute), "bar interval: 1m, 1h or d")
	cmd.Flags().StringVar(&rebuild, "rebuild", "", "window tag to rebuild from the downloaded bars")
	return cmd
}

// ---------------------------------------------------------------------------
// rebuild
// ---------------------------------------------------------------------------

func rebuildCmd() *cobra.Command {
	var (
		c         contract
		r         span
		tag       string
		all       bool
		portfolio []string
	)
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild bars from stored ticks (tag 1m) or one-minute bars (any window tag)",
		Long: `Rebuild bars from stored data.

Tag "1m" regenerates one-minute bars from ticks. Other tags regenerate window
bars from stored one-minute bars: "<n>m" (n divides 60), "<n>h", "d", or
"recorder" for the 2m, 3m, 5m and 15m windows the recorder builds.

--portfolio rebuilds several contracts together from their ticks, so every
slice of bars closes on the same minute. It takes minute and hour tags only.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := current.open()
			if err != nil {
				return err
			}
			if tag == "" {
				tag = current.cfg.Rebuild.Policy
			}
			start, end, err := r.parse(current.loc)
			if err != nil {
				return err
			}

			var n int
			switch {
			case len(portfolio) > 0:
				n, err = m.RebuildPortfolio(cmd.Context(), portfolio, tag, start, end)
			case all:
				n, err = m.RebuildAll(cmd.Context(), tag, start, end)
			default:
				if c.symbol == "" || c.exchange == "" {
					return errors.New("rebuild needs --symbol and --exchange, --all or --portfolio")
				}
				n, err = m.RebuildBars(cmd.Context(), c.symbol, c.ex(), tag, start, end)
			}
			if err != nil {
				return err
			}
			fmt.Printf("rebuilt %d bars (tag %s)\n", n, tag)
			return nil
		},
	}
	c.bind(cmd, false)
	r.bind(cmd)
	cmd.Flags().StringVar(&tag, "tag", "", "rebuild tag (default rebuild.policy from config)")
	cmd.Flags().BoolVar(&all, "all", false, "rebuild every stored contract")
	cmd.Flags().StringSliceVar(&portfolio, "portfolio", nil, "rebuild these SYMBOL.EXCHANGE contracts as one portfolio")
	cmd.MarkFlagsMutuallyExclusive("all", "portfolio")
	return cmd
}

// ---------------------------------------------------------------------------
// delete-bars / delete-ticks
// ---------------------------------------------------------------------------

func deleteBarsCmd() *cobra.Command {
	var (
		c        contract
		r        span
		interval string
	)
	cmd := &cobra.Command{
		Use:   "delete-bars",
		Short: "Delete stored bars; unset filters match everything",
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := current.open()
			if err != nil {
				return err
			}
			start, end, err := r.parse(current.loc)
			if err != nil {
				return err
			}
			filter := store.BarFilter{
				Symbol:   c.symbol,
				Exchange: c.ex(),
				Start:    start,
				End:      end,
			}
			if interval != "" {
				if filter.Interval, err = domain.ParseInterval(interval); err != nil {
					return err
				}
			}
			n, err := m.DeleteBars(cmd.Context(), filter)
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d bars\n", n)
			return nil
		},
	}
	c.bind(cmd, false)
	r.bind(cmd)
	cmd.Flags().StringVar(&interval, "interval", "", "bar interval, e.g. 1m, 5m, d")
	return cmd
}

func deleteTicksCmd() *cobra.Command {
	var (
		c contract
		r span
	)
	cmd := &cobra.Command{
		Use:   "delete-ticks",
		Short: "Delete stored ticks; unset filters match everything",
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := current.open()
			if err != nil {
				return err
			}
			start, end, err := r.parse(current.loc)
			if err != nil {
				return err
			}
			n, err := m.DeleteTicks(cmd.Context(), store.TickFilter{
				Symbol:   c.symbol,
				Exchange: c.ex(),
				Start:    start,
				End:      end,
			})
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d ticks\n", n)
			return nil
		},
	}
	c.bind(cmd, false)
	r.bind(cmd)
	return cmd
}

// ---------------------------------------------------------------------------
// import-csv / export-csv
// ---------------------------------------------------------------------------

func importCSVCmd() *cobra.Command {
	var (
		c        contract
		file     string
		interval string
		format   string
		tz       string
		cols     = datamanager.DefaultCSVColumns()
	)
	cmd := &cobra.Command{
		Use:   "import-csv",
		Short: "Import bars from a CSV file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := current.open()
			if err != nil {
				return err
			}
			iv, err := domain.ParseInterval(interval)
			if err != nil {
				return err
			}
			loc := current.loc
			if tz != "" {
				if loc, err = time.LoadLocation(tz); err != nil {
					return err
				}
			}

			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()

			start, end, n, err := m.ImportCSV(cmd.Context(), f, datamanager.ImportOptions{
				Symbol:         c.symbol,
				Exchange:       c.ex(),
				Interval:       iv,
				Columns:        cols,
				DatetimeFormat: format,
				Location:       loc,
			})
			if err != nil {
				return err
			}
			fmt.Printf("imported %d bars, %s to %s\n", n, start.Format(time.DateTime), end.Format(time.DateTime))
			return nil
		},
	}
	c.bind(cmd, true)
	cmd.Flags().StringVar(&file, "file", "", "CSV file to import")
	_ = cmd.MarkFlagRequired("file")
	cmd.Flags().StringVar(&interval, "interval", string(domain.IntervalMinute), "interval of the imported bars")
	cmd.Flags().StringVar(&format, "datetime-format", "", "Go time layout of the datetime column")
	cmd.Flags().StringVar(&tz, "tz", "", "time zone of the datetime column (default storage.timezone)")
	cmd.Flags().StringVar(&cols.Datetime, "datetime-head", cols.Datetime, "datetime column")
	cmd.Flags().StringVar(&cols.Open, "open-head", cols.Open, "open column")
	cmd.Flags().StringVar(&cols.High, "high-head", cols.High, "high column")
	cmd.Flags().StringVar(&cols.Low, "low-head", cols.Low, "low column")
	cmd.Flags().StringVar(&cols.Close, "close-head", cols.Close, "close column")
	cmd.Flags().StringVar(&cols.Volume, "volume-head", cols.Volume, "volume column")
	cmd.Flags().StringVar(&cols.Turnover, "turnover-head", cols.Turnover, "turnover column, optional")
	cmd.Flags().StringVar(&cols.OpenInterest, "open-interest-head", cols.OpenInterest, "open interest column, optional")
	return cmd
}

func exportCSVCmd() *cobra.Command {
	var (
		c        contract
		r        span
		file     string
		interval string
	)
	cmd := &cobra.Command{
		Use:   "export-csv",
		Short: "Export stored bars to a CSV file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := current.open()
			if err != nil {
				return err
			}
			iv, err := domain.ParseInterval(interval)
			if err != nil {
				return err
			}
			start, end, err := r.parse(current.loc)
			if err != nil {
				return err
			}

			f, err := os.Create(file)
			if err != nil {
				return err
			}
			n, err := m.ExportCSV(cmd.Context(), f, c.symbol, c.ex(), iv, start, end)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
			fmt.Printf("exported %d bars to %s\n", n, file)
			return nil
		},
	}
	c.bind(cmd, true)
	r.bind(cmd)
	cmd.Flags().StringVar(&file, "file", "", "CSV file to write")
	_ = cmd.MarkFlagRequired("file")
	cmd.Flags().StringVar(&interval, "interval", string(domain.IntervalMinute), "interval to export")
	return cmd
}

// ---------------------------------------------------------------------------
// overview
// ---------------------------------------------------------------------------

func overviewCmd() *cobra.Command {
	var ticks bool
	cmd := &cobra.Command{
		Use:   "overview",
		Short: "Summarize stored bars (or ticks with --ticks)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := current.open()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			defer w.Flush()

			if ticks {
				overview, err := m.TickOverview(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "SYMBOL\tEXCHANGE\tCOUNT\tSTART\tEND")
				for _, o := range overview {
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", o.Symbol, o.Exchange, o.Count,
						o.Start.Format(time.DateTime), o.End.Format(time.DateTime))
				}
				return nil
			}

			overview, err := m.BarOverview(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "SYMBOL\tEXCHANGE\tINTERVAL\tCOUNT\tSTART\tEND")
			for _, o := range overview {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", o.Symbol, o.Exchange, o.Interval, o.Count,
					o.Start.Format(time.DateTime), o.End.Format(time.DateTime))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&ticks, "ticks", false, "summarize ticks instead of bars")
	return cmd
}

// ---------------------------------------------------------------------------
// record: recorder setting file
// ---------------------------------------------------------------------------

func recordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Manage the contracts the recorder records",
	}

	var (
		c       contract
		product string
		tick    bool
		bar     bool
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Start recording a contract's ticks and/or bars",
		RunE: func(*cobra.Command, []string) error {
			rec, err := recorder.New(nil, current.cfg.Recorder, nil)
			if err != nil {
				return err
			}
			r := recorder.Recording{Symbol: c.symbol, Exchange: c.ex(), Product: domain.Product(product)}
			if !tick && !bar {
				return errors.New("record add needs --tick and/or --bar")
			}
			if tick {
				if err := rec.AddTickRecording(r); err != nil {
					return err
				}
			}
			if bar {
				if err := rec.AddBarRecording(r); err != nil {
					return err
				}
			}
			fmt.Printf("recording %s\n", r.Key())
			return nil
		},
	}
	c.bind(add, true)
	add.Flags().StringVar(&product, "product", string(domain.ProductFutures), "product type")
	add.Flags().BoolVar(&tick, "tick", false, "record ticks")
	add.Flags().BoolVar(&bar, "bar", false, "record bars")

	var (
		rc          contract
		rtick, rbar bool
	)
	remove := &cobra.Command{
		Use:   "remove",
		Short: "Stop recording a contract's ticks and/or bars",
		RunE: func(*cobra.Command, []string) error {
			rec, err := recorder.New(nil, current.cfg.Recorder, nil)
			if err != nil {
				return err
			}
			key := domain.Key(rc.symbol, rc.ex())
			if !rtick && !rbar {
				return errors.New("record remove needs --tick and/or --bar")
			}
			if rtick {
				if err := rec.RemoveTickRecording(key); err != nil {
					return err
				}
			}
			if rbar {
				if err := rec.RemoveBarRecording(key); err != nil {
					return err
				}
			}
			fmt.Printf("removed %s\n", key)
			return nil
		},
	}
	rc.bind(remove, true)
	remove.Flags().BoolVar(&rtick, "tick", false, "stop recording ticks")
	remove.Flags().BoolVar(&rbar, "bar", false, "stop recording bars")

	list := &cobra.Command{
		Use:   "list",
		Short: "List recorded contracts",
		RunE: func(*cobra.Command, []string) error {
			rec, err := recorder.New(nil, current.cfg.Recorder, nil)
			if err != nil {
				return err
			}
			fmt.Printf("tick: %s\n", strings.Join(rec.TickRecordings(), " "))
			fmt.Printf("bar:  %s\n", strings.Join(rec.BarRecordings(), " "))
			return nil
		},
	}

	cmd.AddCommand(add, remove, list)
	return cmd
}

// ---------------------------------------------------------------------------
// recorder-status
// ---------------------------------------------------------------------------

func recorderStatusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "recorder-status",
		Short: "Query the running recorder's health service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = current.cfg.Recorder.GRPCAddr
				if strings.HasPrefix(addr, ":") {
					addr = "localhost" + addr
				}
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			status, err := monitor.CheckHealth(ctx, addr, "pandora.recorder")
			if err != nil {
				return err
			}
			fmt.Println(status.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "recorder gRPC address (default recorder.grpc_addr)")
	return cmd
}
