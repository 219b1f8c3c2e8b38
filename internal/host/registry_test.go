package host

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEntity struct {
	name     string
	opened   int
	setups   int
	setupErr error
}

func (e *testEntity) Setup() error {
	e.setups++
	return e.setupErr
}

func (e *testEntity) Name() string                  { return e.name }
func (e *testEntity) State() string                 { return StateClosed }
func (e *testEntity) ShouldPoll() bool              { return false }
func (e *testEntity) Icon() string                  { return "mdi:blinds" }
func (e *testEntity) Attributes() map[string]string { return nil }

func (e *testEntity) Open(context.Context) error {
	e.opened++
	return nil
}

type recordingWriter struct {
	written []string
	err     error
}

func (w *recordingWriter) WriteState(_ context.Context, e Entity) error {
	w.written = append(w.written, e.Name())
	return w.err
}

func TestRegistryCall(t *testing.T) {
	ctx := context.Background()
	w := &recordingWriter{}
	r := NewRegistry[*testEntity]("cover_control", w)
	r.RegisterEntityService("open", (*testEntity).Open)

	salon := &testEntity{name: "salon"}
	kitchen := &testEntity{name: "kitchen"}
	require.NoError(t, r.AddEntities(ctx, salon, kitchen))
	assert.Equal(t, []string{"salon", "kitchen"}, w.written)

	t.Run("dispatches to the named entity", func(t *testing.T) {
		require.NoError(t, r.Call(ctx, "open", "salon"))
		assert.Equal(t, 1, salon.opened)
		assert.Equal(t, 0, kitchen.opened)
	})

	t.Run("unknown service", func(t *testing.T) {
		err := r.Call(ctx, "toggle", "salon")
		assert.True(t, errors.Is(err, ErrUnknownService))
	})

	t.Run("unknown entity", func(t *testing.T) {
		err := r.Call(ctx, "open", "bedroom")
		assert.True(t, errors.Is(err, ErrUnknownEntity))
	})

	t.Run("entities are listed by name", func(t *testing.T) {
		assert.Equal(t, []*testEntity{kitchen, salon}, r.Entities())
	})
}

func TestRegistryAddEntities(t *testing.T) {
	ctx := context.Background()

	t.Run("entities are set up once registered", func(t *testing.T) {
		r := NewRegistry[*testEntity]("cover_control", &recordingWriter{})
		salon := &testEntity{name: "salon"}
		require.NoError(t, r.AddEntities(ctx, salon))
		assert.Equal(t, 1, salon.setups)
	})

	t.Run("duplicate name is rejected before setup", func(t *testing.T) {
		w := &recordingWriter{}
		r := NewRegistry[*testEntity]("cover_control", w)
		require.NoError(t, r.AddEntities(ctx, &testEntity{name: "salon"}))

		dup := &testEntity{name: "salon"}
		err := r.AddEntities(ctx, dup)
		assert.True(t, errors.Is(err, ErrEntityExists), "got %v", err)
		assert.Equal(t, 0, dup.setups)
		assert.Equal(t, []string{"salon"}, w.written)
	})

	t.Run("names sharing an object id are rejected", func(t *testing.T) {
		r := NewRegistry[*testEntity]("cover_control", &recordingWriter{})
		require.NoError(t, r.AddEntities(ctx, &testEntity{name: "Salon left"}))

		other := &testEntity{name: "salon_left"}
		err := r.AddEntities(ctx, other)
		assert.True(t, errors.Is(err, ErrEntityExists), "got %v", err)
		assert.Equal(t, 0, other.setups)
		assert.Len(t, r.Entities(), 1)
	})

	t.Run("collision within one batch registers nothing", func(t *testing.T) {
		r := NewRegistry[*testEntity]("cover_control", &recordingWriter{})
		a, b := &testEntity{name: "Salon"}, &testEntity{name: "salon"}
		assert.True(t, errors.Is(r.AddEntities(ctx, a, b), ErrEntityExists))
		assert.Empty(t, r.Entities())
		assert.Equal(t, 0, a.setups+b.setups)
	})

	t.Run("name without object id is rejected", func(t *testing.T) {
		r := NewRegistry[*testEntity]("cover_control", &recordingWriter{})
		err := r.AddEntities(ctx, &testEntity{name: "!!"})
		assert.True(t, errors.Is(err, ErrInvalidEntityName), "got %v", err)
	})

	t.Run("setup failure releases the name", func(t *testing.T) {
		r := NewRegistry[*testEntity]("cover_control", &recordingWriter{})
		assert.Error(t, r.AddEntities(ctx, &testEntity{name: "salon", setupErr: errors.New("offline")}))
		assert.Empty(t, r.Entities())
		require.NoError(t, r.AddEntities(ctx, &testEntity{name: "salon"}))
	})

	t.Run("initial write failure is reported", func(t *testing.T) {
		r := NewRegistry[*testEntity]("cover_control", &recordingWriter{err: errors.New("offline")})
		assert.Error(t, r.AddEntities(ctx, &testEntity{name: "salon"}))
	})
}

func TestObjectID(t *testing.T) {
	assert.Equal(t, "living_room", ObjectID("Living room"))
	assert.Equal(t, "salon_l", ObjectID("salon_l"))
	assert.Equal(t, "kuchnia_2", ObjectID("  Kuchnia #2 "))
	assert.Equal(t, "", ObjectID("!!"))
}
