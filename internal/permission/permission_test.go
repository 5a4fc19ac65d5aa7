package permission

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/oracle-garnett/oracle/internal/auth"
	"github.com/oracle-garnett/oracle/internal/capability"
)

type brokenGrants struct{}

func (brokenGrants) Grant(context.Context, uuid.UUID, string) error { return errors.New("down") }
func (brokenGrants) Consume(context.Context, uuid.UUID) (bool, error) {
	return false, errors.New("down")
}

func TestRequireRules(t *testing.T) {
	plain := capability.Descriptor{Tag: capability.TagChat}
	if dec := Require(plain, capability.Params{"text": "hi"}); dec.Required || !dec.Allowed() {
		t.Errorf("chat should not need permission: %+v", dec)
	}

	guarded := capability.Descriptor{Tag: capability.TagWebAction, RequiresPermission: true}
	dec := Require(guarded, nil)
	if !dec.Required || dec.Granted != GrantPending || dec.Allowed() {
		t.Errorf("web_action decision = %+v", dec)
	}

	dec = Require(plain, capability.Params{"amount": "19.99"})
	if !dec.Required || dec.Reason == "" {
		t.Errorf("payment marker must require permission: %+v", dec)
	}
}

func TestEvaluateConsumesGrant(t *testing.T) {
	ctx := context.Background()
	c := NewChecker(NewMemoryGrants(time.Minute))
	d := capability.Descriptor{Tag: capability.TagWebAction, RequiresPermission: true}
	id := uuid.New()

	if dec := c.Evaluate(ctx, id, d, nil); dec.Allowed() {
		t.Fatal("ungranted request allowed")
	}
	if err := c.Grant(ctx, id, auth.Principal{Name: "dad", Role: auth.RoleRoot}); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if dec := c.Evaluate(ctx, id, d, nil); !dec.Allowed() || dec.Granted != GrantGranted {
		t.Fatalf("granted request denied: %+v", dec)
	}
	if dec := c.Evaluate(ctx, id, d, nil); dec.Allowed() {
		t.Error("grant must be single-use")
	}
}

func TestEvaluateStoreErrorStaysPending(t *testing.T) {
	c := NewChecker(brokenGrants{})
	d := capability.Descriptor{Tag: capability.TagWebAction, RequiresPermission: true}
	if dec := c.Evaluate(context.Background(), uuid.New(), d, nil); dec.Allowed() || dec.Granted != GrantPending {
		t.Errorf("store failure must not grant: %+v", dec)
	}
	if err := c.Grant(context.Background(), uuid.New(), auth.Principal{Name: "dad"}); err == nil {
		t.Error("expected grant error")
	}
}

func TestMemoryGrantsExpire(t *testing.T) {
	g := NewMemoryGrants(time.Minute)
	now := time.Now()
	g.now = func() time.Time { return now }
	id := uuid.New()
	g.Grant(context.Background(), id, "dad")

	now = now.Add(2 * time.Minute)
	if ok, _ := g.Consume(context.Background(), id); ok {
		t.Error("expired grant consumed")
	}
}

func TestCanGrant(t *testing.T) {
	root := auth.Principal{Name: "dad", Role: auth.RoleRoot}
	alice := auth.Principal{Name: "alice", Role: auth.RoleFamily}
	if !CanGrant(root, "alice") || !CanGrant(alice, "Alice") {
		t.Error("root and the requester may grant")
	}
	if CanGrant(alice, "bob") {
		t.Error("a sibling may not grant another's request")
	}
}

func TestRedisGrants(t *testing.T) {
	url := os.Getenv("ORACLE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("ORACLE_TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	ctx := context.Background()
	g := NewRedisGrants(rdb, time.Minute)
	id := uuid.New()
	if ok, err := g.Consume(ctx, id); ok || err != nil {
		t.Fatalf("missing grant: ok=%v err=%v", ok, err)
	}
	if err := g.Grant(ctx, id, "dad"); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if ok, err := g.Consume(ctx, id); !ok || err != nil {
		t.Fatalf("Consume: ok=%v err=%v", ok, err)
	}
	if ok, _ := g.Consume(ctx, id); ok {
		t.Error("grant consumed twice")
	}
}
