package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pixelcanvas.ai/internal/canvas"
	"pixelcanvas.ai/internal/cli"
	"pixelcanvas.ai/internal/client"
	"pixelcanvas.ai/internal/protocol"
	"pixelcanvas.ai/internal/seed"
)

var rootCmd = &cobra.Command{
	Use:     "viewer",
	Short:   "headless canvas viewer: keeps a view cached and follows live updates",
	PreRunE: cli.BindFlags,
	RunE:    run,
}

func init() {
	cobra.OnInitialize(cli.InitConfig)
	cli.AddLogFlags(rootCmd)

	f := rootCmd.Flags()
	f.String("server", "http://localhost:8080", "canvasd base URL")
	f.String("ws", "", "stream URL (default derived from --server)")
	f.String("name", "viewer", "viewer name sent on SUBSCRIBE")
	f.Float64("x", 0, "view min x in world units")
	f.Float64("y", 0, "view min y in world units")
	f.Float64("width", 2000, "view width in world units")
	f.Float64("height", 2000, "view height in world units")
	f.Float64("scale", 0.5, "screen pixels per world unit")
	f.Float64("pan", 0, "world units the view drifts right per frame")
	f.Bool("mobile", false, "use the mobile worker count")
	f.Duration("frame", 100*time.Millisecond, "frame interval")
	f.Duration("report", 5*time.Second, "stats log interval")
	f.Duration("paint-every", 0, "submit a random cell in view this often (0 disables)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func streamURL(server string) (string, error) {
	if ws := viper.GetString("ws"); ws != "" {
		return ws, nil
	}
	u, err := url.Parse(server)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/ws"
	return u.String(), nil
}

func run(_ *cobra.Command, _ []string) error {
	log := cli.Logger().WithField("component", "viewer")
	ctx, cancel := signalContext()
	defer cancel()

	server := viper.GetString("server")
	wsURL, err := streamURL(server)
	if err != nil {
		return fmt.Errorf("stream url: %w", err)
	}
	fetcher := client.NewHTTPFetcher(server, nil)
	cfg, err := fetcher.FetchConfig(ctx)
	if err != nil {
		return fmt.Errorf("fetch config: %w", err)
	}
	if cfg.ProtocolVersion != protocol.Version {
		return fmt.Errorf("server speaks protocol %s, want %s", cfg.ProtocolVersion, protocol.Version)
	}

	m := client.NewManager(fetcher, client.Options{
		Grid:             cfg.Grid,
		MaxTilesPerFrame: cfg.MaxTilesPerFrame,
		Workers:          cfg.Client.Workers,
		MobileWorkers:    cfg.Client.MobileWorkers,
		Mobile:           viper.GetBool("mobile"),
		ClusterDebounce:  time.Duration(cfg.Client.ClusterDebounceMs) * time.Millisecond,
		ClusterMinSize:   cfg.Client.ClusterMinSize,
		Log:              log,
	})
	defer m.Close()

	v := client.View{
		MinX:  viper.GetFloat64("x"),
		MinY:  viper.GetFloat64("y"),
		Scale: viper.GetFloat64("scale"),
	}
	w, h := viper.GetFloat64("width"), viper.GetFloat64("height")
	v.MaxX, v.MaxY = v.MinX+w, v.MinY+h
	pan := viper.GetFloat64("pan")

	name := viper.GetString("name")
	sub, err := dial(ctx, wsURL, name, 0, m, log)
	if err != nil {
		return err
	}
	defer func() { _ = sub.Close() }()

	frame := time.NewTicker(viper.GetDuration("frame"))
	defer frame.Stop()
	report := time.NewTicker(viper.GetDuration("report"))
	defer report.Stop()
	var paintC <-chan time.Time
	if d := viper.GetDuration("paint-every"); d > 0 {
		t := time.NewTicker(d)
		defer t.Stop()
		paintC = t.C
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	painter := newPainter(rng, name, cfg.Grid)

	events, acks := sub.Events(), sub.Acks()
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-events:
			if !ok {
				log.WithError(sub.Err()).Warn("stream closed; reconnecting")
				_ = sub.Close()
				next, err := redial(ctx, wsURL, name, m, log)
				if err != nil {
					return nil
				}
				sub = next
				events, acks = sub.Events(), sub.Acks()
				continue
			}
			if m.ApplyEvent(ev) {
				log.WithField("seq", ev.Seq).Info("cache dropped, refetching view")
			}

		case ack, ok := <-acks:
			if !ok {
				acks = nil
				continue
			}
			entry := log.WithFields(logrus.Fields{"id": ack.AckFor, "seq": ack.Seq})
			if err := client.AckError(ack); err != nil {
				entry.WithError(err).Info("paint rejected")
			} else {
				entry.Debug("paint accepted")
			}

		case <-frame.C:
			if pan != 0 {
				v.MinX += pan
				v.MaxX += pan
				if v.MinX >= float64(cfg.Grid.WorldSize) {
					v.MinX, v.MaxX = 0, w
				}
			}
			if fr := m.Update(v); fr.Skipped {
				log.WithError(fr.Err).WithField("zoom", fr.Zoom).Debug("frame over tile budget")
			}
			m.Drain()

		case <-paintC:
			id, req := painter.next(v)
			if err := sub.Submit(id, req); err != nil {
				log.WithError(err).Warn("submit")
			}

		case <-report.C:
			logStats(log, m)
		}
	}
}

func dial(ctx context.Context, wsURL, name string, since uint64, m *client.Manager, log logrus.FieldLogger) (*client.Subscriber, error) {
	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	sub, err := client.Dial(dctx, wsURL, name, since, log)
	if err != nil {
		return nil, err
	}
	wel := sub.Welcome()
	if since == 0 {
		m.SetSeq(wel.Seq)
	}
	log.WithFields(logrus.Fields{"session": wel.SessionID, "seq": wel.Seq, "since": since}).Info("subscribed")
	return sub, nil
}

// redial reconnects with backoff, asking the server to replay from the last
// sequence the cache has seen.
func redial(ctx context.Context, wsURL, name string, m *client.Manager, log logrus.FieldLogger) (*client.Subscriber, error) {
	if m.LastSeq() == 0 {
		// Nothing to resume from.
		m.InvalidateAll()
	}
	backoff := 500 * time.Millisecond
	for {
		sub, err := dial(ctx, wsURL, name, m.LastSeq(), m, log)
		if err == nil {
			return sub, nil
		}
		log.WithError(err).WithField("retry_in", backoff).Warn("reconnect failed")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 30*time.Second)
	}
}

func logStats(log logrus.FieldLogger, m *client.Manager) {
	st := m.Stats()
	log.WithFields(logrus.Fields{
		"cells":          st.Cells,
		"owners":         len(st.Owners),
		"groups":         len(st.Groups),
		"tiles_loaded":   st.TilesLoaded,
		"tiles_pending":  st.TilesPending,
		"chunks_loaded":  st.ChunksLoaded,
		"chunks_pending": st.ChunksPending,
		"seq":            st.LastSeq,
	}).Info("cache")
	for i, c := range m.Clusters() {
		if i == 3 {
			break
		}
		log.WithFields(logrus.Fields{
			"group": c.Group,
			"count": c.Count,
			"cx":    fmt.Sprintf("%.0f", c.Centroid.X),
			"cy":    fmt.Sprintf("%.0f", c.Centroid.Y),
		}).Info("cluster")
	}
}

// painter claims random cells inside the view under one generated identity.
type painter struct {
	rng   *rand.Rand
	grid  canvas.Grid
	actor string
	group seed.Group
	n     int
}

func newPainter(rng *rand.Rand, name string, g canvas.Grid) *painter {
	return &painter{
		rng:   rng,
		grid:  g,
		actor: name + "-" + seed.Nickname(rng),
		group: seed.DefaultGroups[rng.Intn(len(seed.DefaultGroups))],
	}
}

func (p *painter) next(v client.View) (string, canvas.MutationRequest) {
	r := v.Rect().Intersect(p.grid.Bounds())
	cs := p.grid.CellSize
	x, y := r.MinX, r.MinY
	if cols := r.Width() / cs; cols > 0 {
		x = (r.MinX/cs + p.rng.Intn(cols)) * cs
	}
	if rows := r.Height() / cs; rows > 0 {
		y = (r.MinY/cs + p.rng.Intn(rows)) * cs
	}
	p.n++
	return fmt.Sprintf("P%d", p.n), canvas.MutationRequest{
		Actor: p.actor,
		Attrs: canvas.OwnershipAttrs{
			Color: p.group.Colors[p.rng.Intn(len(p.group.Colors))],
			Group: p.group.Name,
		},
		Cells: []canvas.CellPaint{{X: x, Y: y}},
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
