package repository

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"rv-designer/internal/domain"
)

type fakeRedisSessionClient struct {
	values    map[string][]byte
	published []string
	setErr    error
}

func (c *fakeRedisSessionClient) Get(ctx context.Context, key string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	v, ok := c.values[key]
	if !ok {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal(string(v))
	return cmd
}

func (c *fakeRedisSessionClient) Set(ctx context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	if c.setErr != nil {
		cmd.SetErr(c.setErr)
		return cmd
	}
	if c.values == nil {
		c.values = make(map[string][]byte)
	}
	c.values[key] = value.([]byte)
	cmd.SetVal("OK")
	return cmd
}

func (c *fakeRedisSessionClient) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	c.published = append(c.published, channel+"="+message.(string))
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(1)
	return cmd
}

func (c *fakeRedisSessionClient) Subscribe(context.Context, ...string) *redis.PubSub {
	return nil
}

func sampleSessions() []domain.ChatSession {
	return []domain.ChatSession{{
		ID:    "s1",
		Title: "Camper",
		Messages: []domain.Message{
			{ID: "m1", Role: domain.RoleModel, Images: []domain.ImageRef{
				{ID: "g1", Data: "Z2Vu", Type: domain.ImageGenerated, MimeType: "image/png"},
			}},
		},
		CreatedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}}
}

func TestMemorySessionRepository_SaveLoad(t *testing.T) {
	ctx := context.Background()
	repo := NewMemorySessionRepository(DefaultSessionQuotaBytes)

	empty, err := repo.Load(ctx, "k")
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty list, got %+v err=%v", empty, err)
	}

	if err := repo.Save(ctx, "k", sampleSessions()); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := repo.Load(ctx, "k")
	if err != nil || len(loaded) != 1 {
		t.Fatalf("load: %+v err=%v", loaded, err)
	}
	img := loaded[0].Messages[0].Images[0]
	if img.Data != "" || img.ID != "g1" {
		t.Fatalf("expected sanitized image reference, got %+v", img)
	}
}

func TestMemorySessionRepository_Quota(t *testing.T) {
	ctx := context.Background()
	repo := NewMemorySessionRepository(64)
	sessions := []domain.ChatSession{{ID: "s1", Title: strings.Repeat("x", 100)}}

	if err := repo.Save(ctx, "k", sessions); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	loaded, _ := repo.Load(ctx, "k")
	if len(loaded) != 0 {
		t.Fatalf("failed save must not change stored state")
	}
}

func TestMemorySessionRepository_NotifiesOtherWriters(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tabA := NewMemorySessionRepository(0)
	tabB := tabA.Peer()

	gotA := make(chan []domain.ChatSession, 4)
	gotB := make(chan []domain.ChatSession, 4)
	if err := tabA.Subscribe(ctx, "k", func(s []domain.ChatSession) { gotA <- s }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := tabB.Subscribe(ctx, "k", func(s []domain.ChatSession) { gotB <- s }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := tabA.Save(ctx, "k", sampleSessions()); err != nil {
		t.Fatalf("save: %v", err)
	}
	select {
	case sessions := <-gotB:
		if len(sessions) != len(sampleSessions()) {
			t.Fatalf("unexpected sessions %+v", sessions)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected the other writer notified")
	}

	if err := tabA.Save(ctx, "other", sampleSessions()); err != nil {
		t.Fatalf("save: %v", err)
	}
	select {
	case <-gotA:
		t.Fatalf("writer must not be notified of its own save")
	case <-gotB:
		t.Fatalf("expected no notification for another key")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemorySessionRepository_DeliversLatestWrite(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writer := NewMemorySessionRepository(0)
	reader := writer.Peer()

	release := make(chan struct{})
	got := make(chan string, 8)
	if err := reader.Subscribe(ctx, "k", func(s []domain.ChatSession) {
		<-release
		got <- s[0].Title
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Con el callback bloqueado, Save no debe esperar al suscriptor.
	for _, title := range []string{"one", "two", "three"} {
		done := make(chan error, 1)
		go func() { done <- writer.Save(ctx, "k", []domain.ChatSession{{ID: "s1", Title: title}}) }()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("save: %v", err)
			}
		case <-time.After(time.Second):
			t.Fatalf("save blocked on a slow subscriber")
		}
	}
	close(release)

	deadline := time.After(time.Second)
	for {
		select {
		case title := <-got:
			if title == "three" {
				return
			}
		case <-deadline:
			t.Fatalf("expected the latest write delivered")
		}
	}
}

func TestRedisSessionRepository_SaveLoad(t *testing.T) {
	ctx := context.Background()
	client := &fakeRedisSessionClient{}
	repo := newRedisSessionRepository(client, DefaultSessionQuotaBytes, nil)

	empty, err := repo.Load(ctx, "rv:sessions:d1")
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty list on missing key, got %+v err=%v", empty, err)
	}

	if err := repo.Save(ctx, "rv:sessions:d1", sampleSessions()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if strings.Contains(string(client.values["rv:sessions:d1"]), "Z2Vu") {
		t.Fatalf("image payload must not reach the session store")
	}
	if len(client.published) != 1 || client.published[0] != "rv:sessions:d1:changed="+repo.writerID {
		t.Fatalf("expected change notification with writer id, got %+v", client.published)
	}

	loaded, err := repo.Load(ctx, "rv:sessions:d1")
	if err != nil || len(loaded) != 1 || loaded[0].Title != "Camper" {
		t.Fatalf("unexpected load %+v err=%v", loaded, err)
	}
}

func TestRedisSessionRepository_Errors(t *testing.T) {
	ctx := context.Background()
	client := &fakeRedisSessionClient{setErr: errors.New("readonly")}
	repo := newRedisSessionRepository(client, 10, nil)

	if err := repo.Save(ctx, "k", sampleSessions()); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	repo.quota = 0
	if err := repo.Save(ctx, "k", sampleSessions()); err == nil {
		t.Fatalf("expected set error")
	}
	if len(client.published) != 0 {
		t.Fatalf("failed save must not publish")
	}

	client.values = map[string][]byte{"k": []byte("{broken")}
	if _, err := repo.Load(ctx, "k"); err == nil {
		t.Fatalf("expected decode error")
	}
}
