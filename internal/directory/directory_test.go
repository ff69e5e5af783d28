package directory

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic(t *testing.T) {
	s := NewStatic(map[string][]string{
		"assigned_nurses": {"n2", "n1", "n2", ""},
		"empty":           {},
	})
	ctx := context.Background()

	ids, err := s.ResolveRecipients(ctx, "assigned_nurses")
	require.NoError(t, err)
	assert.Equal(t, []string{"n1", "n2"}, ids)

	_, err = s.ResolveRecipients(ctx, "empty")
	assert.ErrorIs(t, err, ErrUnknownSelector)
	_, err = s.ResolveRecipients(ctx, "head_doctors")
	assert.ErrorIs(t, err, ErrUnknownSelector)

	ids[0] = "mutated"
	again, _ := s.ResolveRecipients(ctx, "assigned_nurses")
	assert.Equal(t, "n1", again[0])
}

func TestStaticReplace(t *testing.T) {
	s := NewStatic(map[string][]string{"ward": {"a"}})
	s.Replace(map[string][]string{"ward": {"b", "c"}})

	ids, err := s.ResolveRecipients(context.Background(), "ward")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, ids)
}

func TestRedisSets(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	_, err := mr.SAdd("wardpager:selector:ward_staff", "s3", "s1", "s2")
	require.NoError(t, err)

	r := NewRedisSets(client, "wardpager:selector:")
	ids, err := r.ResolveRecipients(context.Background(), "ward_staff")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2", "s3"}, ids)

	_, err = r.ResolveRecipients(context.Background(), "head_doctors")
	assert.ErrorIs(t, err, ErrUnknownSelector)
}

func TestRedisSetsUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	_, err := NewRedisSets(client, "p:").ResolveRecipients(context.Background(), "ward_staff")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnknownSelector)
}
