package cluster

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"heatbugs.ai/internal/sim/migration"
	"heatbugs.ai/internal/transport/rmaws"
)

func TestTickOverWebsocketWindow(t *testing.T) {
	cfg := testConfig()
	inbox, err := NewInbox(cfg)
	if err != nil {
		t.Fatalf("inbox: %v", err)
	}
	srv := rmaws.NewServer(inbox, quietLogger())
	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()
	url := "ws" + strings.TrimPrefix(hs.URL, "http")

	var clients []*rmaws.Client
	defer func() {
		for _, c := range clients {
			_ = c.Close()
		}
	}()
	c, err := New(cfg, testTuning(), Options{
		Inbox:  inbox,
		Logger: quietLogger(),
		WindowFor: func(rank int) (migration.Window, error) {
			cl, err := rmaws.Dial(context.Background(), url, rmaws.DialOptions{Rank: rank, Logger: quietLogger()})
			if err != nil {
				return nil, err
			}
			clients = append(clients, cl)
			return cl, nil
		},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.Populate(); err != nil {
		t.Fatalf("populate: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.Wait()
	}()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 5; i++ {
		e, err := c.Tick(context.Background())
		if err != nil {
			t.Fatalf("tick: %v", err)
		}
		if e.Agents != cfg.Population {
			t.Fatalf("tick %d agents=%d want=%d", e.Tick, e.Agents, cfg.Population)
		}
	}
	if st := srv.Stats(); st.FetchAdds != uint64(5*cfg.Population) || st.Failures != 0 {
		t.Fatalf("server stats=%+v", st)
	}
}
