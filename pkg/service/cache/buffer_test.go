package cache_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/m-mizutani/gt"

	"github.com/k-hirata/manabu/pkg/model"
	"github.com/k-hirata/manabu/pkg/service/cache"
)

func turn(role model.Role, text string) model.Turn {
	return model.Turn{Role: role, Text: text, Timestamp: time.Now()}
}

func TestMemoryBuffer_PushAndRecent(t *testing.T) {
	ctx := context.Background()
	b := cache.NewMemoryBuffer(10, time.Minute)

	gt.NoError(t, b.Push(ctx, "s1", turn(model.RoleUser, "hi"), turn(model.RoleAssistant, "hello")))

	turns, err := b.Recent(ctx, "s1")
	gt.NoError(t, err)
	gt.A(t, turns).Length(2)
	gt.V(t, turns[0].Text).Equal("hi")
	gt.V(t, turns[1].Text).Equal("hello")

	// other sessions are isolated
	other, err := b.Recent(ctx, "s2")
	gt.NoError(t, err)
	gt.A(t, other).Length(0)
}

func TestMemoryBuffer_TrimsToBound(t *testing.T) {
	ctx := context.Background()
	b := cache.NewMemoryBuffer(4, time.Minute)

	for i := 0; i < 10; i++ {
		gt.NoError(t, b.Push(ctx, "s1", turn(model.RoleUser, fmt.Sprintf("msg-%d", i))))
	}

	turns, err := b.Recent(ctx, "s1")
	gt.NoError(t, err)
	gt.A(t, turns).Length(4)
	gt.V(t, turns[0].Text).Equal("msg-6")
	gt.V(t, turns[3].Text).Equal("msg-9")
}

func TestMemoryBuffer_Expiry(t *testing.T) {
	ctx := context.Background()
	b := cache.NewMemoryBuffer(10, -time.Second)

	gt.NoError(t, b.Push(ctx, "s1", turn(model.RoleUser, "hi")))

	turns, err := b.Recent(ctx, "s1")
	gt.NoError(t, err)
	gt.A(t, turns).Length(0)
}

func TestMemoryBuffer_Seed(t *testing.T) {
	ctx := context.Background()
	b := cache.NewMemoryBuffer(3, time.Minute)

	gt.NoError(t, b.Push(ctx, "s1", turn(model.RoleUser, "stale")))

	seeded := []model.Turn{
		turn(model.RoleUser, "a"),
		turn(model.RoleAssistant, "b"),
		turn(model.RoleUser, "c"),
		turn(model.RoleAssistant, "d"),
	}
	gt.NoError(t, b.Seed(ctx, "s1", seeded))

	turns, err := b.Recent(ctx, "s1")
	gt.NoError(t, err)
	gt.A(t, turns).Length(3)
	gt.V(t, turns[0].Text).Equal("b")
}

func TestMemoryBuffer_RecentReturnsCopy(t *testing.T) {
	ctx := context.Background()
	b := cache.NewMemoryBuffer(10, time.Minute)
	gt.NoError(t, b.Push(ctx, "s1", turn(model.RoleUser, "original")))

	turns, err := b.Recent(ctx, "s1")
	gt.NoError(t, err)
	turns[0].Text = "mutated"

	again, err := b.Recent(ctx, "s1")
	gt.NoError(t, err)
	gt.V(t, again[0].Text).Equal("original")
}
