package internal_test

import (
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-live-game-session/internal"
	apperrors "github.com/koopa0/system-design/14-live-game-session/pkg/errors"
	"github.com/koopa0/system-design/14-live-game-session/pkg/logger"
)

// sequenceCodes 依序吐出給定代碼，用完後重複最後一個
func sequenceCodes(codes ...string) internal.CodeGenerator {
	var (
		mu sync.Mutex
		i  int
	)
	return internal.CodeGeneratorFunc(func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		code := codes[min(i, len(codes)-1)]
		i++
		return code, nil
	})
}

func newTestRegistry(t *testing.T, opts internal.RegistryOptions) *internal.Registry {
	t.Helper()
	return internal.NewRegistry(logger.Discard(), opts)
}

func TestRegistry_CreateRoom(t *testing.T) {
	tests := []struct {
		name     string
		codes    internal.CodeGenerator
		attempts int
		setup    func(t *testing.T, r *internal.Registry)
		hostID   string
		wantErr  error
		validate func(t *testing.T, r *internal.Registry, code string)
	}{
		{
			name:   "fresh host gets a five digit code",
			hostID: "host-1",
			validate: func(t *testing.T, r *internal.Registry, code string) {
				n, err := strconv.Atoi(code)
				require.NoError(t, err)
				assert.GreaterOrEqual(t, n, 10000)
				assert.LessOrEqual(t, n, 99999)

				room, ok := r.Room(code)
				require.True(t, ok)
				assert.Equal(t, "host-1", room.HostConnectionID)
				assert.Equal(t, "content-1", room.ContentID)
				assert.Empty(t, room.Participants)
				assert.False(t, room.Started)

				bound, ok := r.BoundRoom("host-1")
				assert.True(t, ok)
				assert.Equal(t, code, bound)
			},
		},
		{
			name:  "collision with a live room draws again",
			codes: sequenceCodes("11111", "11111", "22222"),
			setup: func(t *testing.T, r *internal.Registry) {
				code, err := r.CreateRoom("host-0", "content-1")
				require.NoError(t, err)
				require.Equal(t, "11111", code)
			},
			hostID: "host-1",
			validate: func(t *testing.T, r *internal.Registry, code string) {
				assert.Equal(t, "22222", code)
				assert.Equal(t, 2, r.Stats().LiveRooms)
			},
		},
		{
			name:     "code space exhausted after bounded attempts",
			codes:    sequenceCodes("11111"),
			attempts: 4,
			setup: func(t *testing.T, r *internal.Registry) {
				_, err := r.CreateRoom("host-0", "content-1")
				require.NoError(t, err)
			},
			hostID:  "host-1",
			wantErr: apperrors.ErrCodeSpaceExhausted,
			validate: func(t *testing.T, r *internal.Registry, _ string) {
				assert.Equal(t, int64(1), r.Stats().CodeSpaceExhausted)
				_, bound := r.BoundRoom("host-1")
				assert.False(t, bound)
			},
		},
		{
			name: "host cannot open a second room",
			setup: func(t *testing.T, r *internal.Registry) {
				_, err := r.CreateRoom("host-1", "content-1")
				require.NoError(t, err)
			},
			hostID:  "host-1",
			wantErr: apperrors.ErrConnectionBound,
			validate: func(t *testing.T, r *internal.Registry, _ string) {
				assert.Equal(t, 1, r.Stats().LiveRooms)
			},
		},
		{
			name:    "generator failure is internal",
			codes:   internal.CodeGeneratorFunc(func() (string, error) { return "", errors.New("entropy") }),
			hostID:  "host-1",
			wantErr: apperrors.New(apperrors.ErrCodeInternal, ""),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry(t, internal.RegistryOptions{Codes: tt.codes, MaxCodeAttempts: tt.attempts})
			if tt.setup != nil {
				tt.setup(t, r)
			}

			code, err := r.CreateRoom(tt.hostID, "content-1")
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			if tt.validate != nil {
				tt.validate(t, r, code)
			}
		})
	}
}

func TestRegistry_JoinRoom(t *testing.T) {
	t.Run("unknown code changes nothing", func(t *testing.T) {
		r := newTestRegistry(t, internal.RegistryOptions{})
		code, err := r.CreateRoom("host", "content-1")
		require.NoError(t, err)
		before, _ := r.Room(code)

		_, err = r.JoinRoom("00000", "student", "Amy", "s1")
		require.Error(t, err)
		assert.True(t, apperrors.IsRoomNotFound(err))

		after, _ := r.Room(code)
		assert.Equal(t, before, after)
		_, bound := r.BoundRoom("student")
		assert.False(t, bound)
		assert.Equal(t, int64(1), r.Stats().JoinNotFound)
	})

	t.Run("roster preserves join order", func(t *testing.T) {
		r := newTestRegistry(t, internal.RegistryOptions{})
		code, err := r.CreateRoom("host", "content-1")
		require.NoError(t, err)

		_, err = r.JoinRoom(code, "c1", "Amy", "s1")
		require.NoError(t, err)
		res, err := r.JoinRoom(code, "c2", "Ben", "s2")
		require.NoError(t, err)

		assert.Equal(t, code, res.Code)
		assert.Equal(t, "host", res.HostConnectionID)
		require.Len(t, res.Roster, 2)
		assert.Equal(t, "Amy", res.Roster[0].DisplayName)
		assert.Equal(t, "Ben", res.Roster[1].DisplayName)
		assert.Empty(t, res.ReplacedConnectionID)
	})

	t.Run("host cannot join its own room", func(t *testing.T) {
		r := newTestRegistry(t, internal.RegistryOptions{})
		code, err := r.CreateRoom("host", "content-1")
		require.NoError(t, err)

		_, err = r.JoinRoom(code, "host", "Teacher", "t1")
		assert.ErrorIs(t, err, apperrors.ErrConnectionBound)

		room, _ := r.Room(code)
		assert.Empty(t, room.Participants)
	})

	t.Run("connection already in another room", func(t *testing.T) {
		r := newTestRegistry(t, internal.RegistryOptions{Codes: sequenceCodes("11111", "22222")})
		first, err := r.CreateRoom("host-a", "content-1")
		require.NoError(t, err)
		second, err := r.CreateRoom("host-b", "content-1")
		require.NoError(t, err)

		_, err = r.JoinRoom(first, "c1", "Amy", "s1")
		require.NoError(t, err)
		_, err = r.JoinRoom(second, "c1", "Amy", "s1")
		assert.ErrorIs(t, err, apperrors.ErrConnectionBound)
	})

	t.Run("dedupe replaces the entry in place", func(t *testing.T) {
		r := newTestRegistry(t, internal.RegistryOptions{DedupeByIdentity: true})
		code, err := r.CreateRoom("host", "content-1")
		require.NoError(t, err)

		_, err = r.JoinRoom(code, "c1", "Amy", "s1")
		require.NoError(t, err)
		_, err = r.JoinRoom(code, "c2", "Ben", "s2")
		require.NoError(t, err)
		res, err := r.JoinRoom(code, "c3", "Amy again", "s1")
		require.NoError(t, err)

		assert.Equal(t, "c1", res.ReplacedConnectionID)
		require.Len(t, res.Roster, 2)
		assert.Equal(t, "c3", res.Roster[0].ConnectionID)
		assert.Equal(t, "Amy again", res.Roster[0].DisplayName)

		_, bound := r.BoundRoom("c1")
		assert.False(t, bound, "被取代的連接應解除綁定")
		assert.Equal(t, int64(1), r.Stats().JoinsReplaced)
	})

	t.Run("append mode keeps duplicates", func(t *testing.T) {
		r := newTestRegistry(t, internal.RegistryOptions{DedupeByIdentity: false})
		code, err := r.CreateRoom("host", "content-1")
		require.NoError(t, err)

		_, err = r.JoinRoom(code, "c1", "Amy", "s1")
		require.NoError(t, err)
		res, err := r.JoinRoom(code, "c2", "Amy", "s1")
		require.NoError(t, err)

		assert.Empty(t, res.ReplacedConnectionID)
		assert.Len(t, res.Roster, 2)
	})

	t.Run("anonymous joins never dedupe", func(t *testing.T) {
		r := newTestRegistry(t, internal.RegistryOptions{DedupeByIdentity: true})
		code, err := r.CreateRoom("host", "content-1")
		require.NoError(t, err)

		_, err = r.JoinRoom(code, "c1", "Guest", "")
		require.NoError(t, err)
		res, err := r.JoinRoom(code, "c2", "Guest", "")
		require.NoError(t, err)
		assert.Len(t, res.Roster, 2)
	})

	t.Run("unverified claim cannot evict a participant", func(t *testing.T) {
		r := newTestRegistry(t, internal.RegistryOptions{DedupeByIdentity: true})
		code, err := r.CreateRoom("host", "content-1")
		require.NoError(t, err)

		_, err = r.JoinRoom(code, "c1", "Amy", "s1")
		require.NoError(t, err)
		res, err := r.JoinRoomUnverified(code, "c2", "Mallory", "s1")
		require.NoError(t, err)

		assert.Empty(t, res.ReplacedConnectionID)
		require.Len(t, res.Roster, 2)
		assert.Equal(t, "c1", res.Roster[0].ConnectionID)
		assert.True(t, res.Roster[0].Verified)
		assert.False(t, res.Roster[1].Verified)

		_, bound := r.BoundRoom("c1")
		assert.True(t, bound)

		started, err := r.StartRoom(code, "host")
		require.NoError(t, err)
		assert.Equal(t, []string{"host", "c1", "c2"}, started.Recipients)
	})

	t.Run("verified join replaces an unverified claim", func(t *testing.T) {
		r := newTestRegistry(t, internal.RegistryOptions{DedupeByIdentity: true})
		code, err := r.CreateRoom("host", "content-1")
		require.NoError(t, err)

		_, err = r.JoinRoomUnverified(code, "c1", "Amy?", "s1")
		require.NoError(t, err)
		res, err := r.JoinRoom(code, "c2", "Amy", "s1")
		require.NoError(t, err)

		assert.Equal(t, "c1", res.ReplacedConnectionID)
		require.Len(t, res.Roster, 1)
		assert.Equal(t, "c2", res.Roster[0].ConnectionID)
	})

	t.Run("unverified rejoins append", func(t *testing.T) {
		r := newTestRegistry(t, internal.RegistryOptions{DedupeByIdentity: true})
		code, err := r.CreateRoom("host", "content-1")
		require.NoError(t, err)

		_, err = r.JoinRoomUnverified(code, "c1", "Amy", "s1")
		require.NoError(t, err)
		res, err := r.JoinRoomUnverified(code, "c2", "Amy", "s1")
		require.NoError(t, err)
		assert.Empty(t, res.ReplacedConnectionID)
		assert.Len(t, res.Roster, 2)
	})

	t.Run("join after start is allowed", func(t *testing.T) {
		r := newTestRegistry(t, internal.RegistryOptions{})
		code, err := r.CreateRoom("host", "content-1")
		require.NoError(t, err)
		_, err = r.StartRoom(code, "host")
		require.NoError(t, err)

		res, err := r.JoinRoom(code, "late", "Zed", "s9")
		require.NoError(t, err)
		assert.Len(t, res.Roster, 1)
	})
}

func TestRegistry_StartRoom(t *testing.T) {
	setup := func(t *testing.T) (*internal.Registry, string) {
		r := newTestRegistry(t, internal.RegistryOptions{})
		code, err := r.CreateRoom("host", "content-1")
		require.NoError(t, err)
		_, err = r.JoinRoom(code, "c1", "Amy", "s1")
		require.NoError(t, err)
		_, err = r.JoinRoom(code, "c2", "Ben", "s2")
		require.NoError(t, err)
		return r, code
	}

	t.Run("host starts once with every recipient", func(t *testing.T) {
		r, code := setup(t)

		res, err := r.StartRoom(code, "host")
		require.NoError(t, err)
		assert.Equal(t, "content-1", res.ContentID)
		assert.Equal(t, []string{"host", "c1", "c2"}, res.Recipients)

		room, ok := r.Room(code)
		require.True(t, ok, "開始後房間仍存在")
		assert.True(t, room.Started)
		assert.False(t, room.StartedAt.IsZero())

		_, err = r.StartRoom(code, "host")
		assert.ErrorIs(t, err, apperrors.ErrAlreadyStarted)
		assert.Equal(t, int64(1), r.Stats().Starts)
		assert.Equal(t, int64(1), r.Stats().StartAlreadyStarted)
	})

	t.Run("participant cannot start", func(t *testing.T) {
		r, code := setup(t)

		_, err := r.StartRoom(code, "c1")
		require.Error(t, err)
		assert.True(t, apperrors.IsNotHost(err))

		room, _ := r.Room(code)
		assert.False(t, room.Started)
		assert.Equal(t, int64(1), r.Stats().StartNotHost)
	})

	t.Run("unknown code", func(t *testing.T) {
		r, _ := setup(t)

		_, err := r.StartRoom("00000", "host")
		assert.ErrorIs(t, err, apperrors.ErrRoomNotFound)
		assert.Equal(t, int64(1), r.Stats().StartNotFound)
	})

	t.Run("concurrent starts succeed exactly once", func(t *testing.T) {
		r, code := setup(t)

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
		)
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := r.StartRoom(code, "host"); err == nil {
					mu.Lock()
					successes++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, successes)
	})
}

func TestRegistry_RemoveConnection(t *testing.T) {
	t.Run("host departure tears the room down", func(t *testing.T) {
		r := newTestRegistry(t, internal.RegistryOptions{})
		code, err := r.CreateRoom("host", "content-1")
		require.NoError(t, err)
		_, err = r.JoinRoom(code, "c1", "Amy", "s1")
		require.NoError(t, err)

		dep := r.RemoveConnection("host")
		assert.Equal(t, internal.DepartureHost, dep.Role)
		assert.Equal(t, code, dep.Code)
		assert.Equal(t, "content-1", dep.ContentID)
		assert.Equal(t, []string{"c1"}, dep.Orphaned)

		_, ok := r.Room(code)
		assert.False(t, ok)
		_, bound := r.BoundRoom("c1")
		assert.False(t, bound)

		_, err = r.JoinRoom(code, "c2", "Ben", "s2")
		assert.ErrorIs(t, err, apperrors.ErrRoomNotFound)
		assert.Equal(t, int64(1), r.Stats().RoomsTornDown)
	})

	t.Run("participant departure keeps the room", func(t *testing.T) {
		r := newTestRegistry(t, internal.RegistryOptions{})
		code, err := r.CreateRoom("host", "content-1")
		require.NoError(t, err)
		_, err = r.JoinRoom(code, "c1", "Amy", "s1")
		require.NoError(t, err)
		_, err = r.JoinRoom(code, "c2", "Ben", "s2")
		require.NoError(t, err)

		dep := r.RemoveConnection("c1")
		assert.Equal(t, internal.DepartureParticipant, dep.Role)
		assert.Equal(t, "host", dep.HostConnectionID)
		require.Len(t, dep.Roster, 1)
		assert.Equal(t, "Ben", dep.Roster[0].DisplayName)

		room, ok := r.Room(code)
		require.True(t, ok)
		assert.Len(t, room.Participants, 1)
	})

	t.Run("unbound connection is a no-op", func(t *testing.T) {
		r := newTestRegistry(t, internal.RegistryOptions{})
		dep := r.RemoveConnection("nobody")
		assert.Equal(t, internal.DepartureNone, dep.Role)
	})

	t.Run("replaced connection departs silently", func(t *testing.T) {
		r := newTestRegistry(t, internal.RegistryOptions{DedupeByIdentity: true})
		code, err := r.CreateRoom("host", "content-1")
		require.NoError(t, err)
		_, err = r.JoinRoom(code, "old", "Amy", "s1")
		require.NoError(t, err)
		_, err = r.JoinRoom(code, "new", "Amy", "s1")
		require.NoError(t, err)

		dep := r.RemoveConnection("old")
		assert.Equal(t, internal.DepartureNone, dep.Role)

		room, _ := r.Room(code)
		require.Len(t, room.Participants, 1)
		assert.Equal(t, "new", room.Participants[0].ConnectionID)
	})
}

func TestRegistry_FindRoomsContaining(t *testing.T) {
	r := newTestRegistry(t, internal.RegistryOptions{Codes: sequenceCodes("11111", "22222", "33333")})

	quiz, err := r.CreateRoom("host-a", "quiz")
	require.NoError(t, err)
	other, err := r.CreateRoom("host-b", "other")
	require.NoError(t, err)
	quiz2, err := r.CreateRoom("host-c", "quiz")
	require.NoError(t, err)

	_, err = r.JoinRoom(quiz, "c1", "Amy", "s1")
	require.NoError(t, err)
	_, err = r.JoinRoom(other, "c2", "Amy", "s1")
	require.NoError(t, err)
	_, err = r.JoinRoom(quiz2, "c3", "Ben", "s2")
	require.NoError(t, err)

	assert.Equal(t, []string{quiz}, r.FindRoomsContaining("s1", "quiz"))
	assert.Equal(t, []string{other}, r.FindRoomsContaining("s1", "other"))
	assert.Empty(t, r.FindRoomsContaining("s3", "quiz"))
	assert.Empty(t, r.FindRoomsContaining("", "quiz"))

	// 房主離線後不再命中
	r.RemoveConnection("host-a")
	assert.Empty(t, r.FindRoomsContaining("s1", "quiz"))
}

func TestRegistry_RoomSnapshotIsCopy(t *testing.T) {
	r := newTestRegistry(t, internal.RegistryOptions{
		Now: func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
	})
	code, err := r.CreateRoom("host", "content-1")
	require.NoError(t, err)
	_, err = r.JoinRoom(code, "c1", "Amy", "s1")
	require.NoError(t, err)

	room, _ := r.Room(code)
	room.Participants[0].DisplayName = "mutated"

	again, _ := r.Room(code)
	assert.Equal(t, "Amy", again.Participants[0].DisplayName)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), again.CreatedAt)
}

func TestRegistry_Stats(t *testing.T) {
	r := newTestRegistry(t, internal.RegistryOptions{Codes: sequenceCodes("11111", "22222")})

	a, err := r.CreateRoom("host-a", "content-1")
	require.NoError(t, err)
	_, err = r.CreateRoom("host-b", "content-1")
	require.NoError(t, err)
	_, err = r.JoinRoom(a, "c1", "Amy", "s1")
	require.NoError(t, err)
	_, err = r.JoinRoom(a, "c2", "Ben", "s2")
	require.NoError(t, err)
	_, err = r.StartRoom(a, "host-a")
	require.NoError(t, err)

	stats := r.Stats()
	assert.Equal(t, 2, stats.LiveRooms)
	assert.Equal(t, 2, stats.LiveParticipants)
	assert.Equal(t, 1, stats.StartedRooms)
	assert.Equal(t, int64(2), stats.RoomsCreated)
	assert.Equal(t, int64(2), stats.Joins)
	assert.Equal(t, int64(1), stats.Starts)
}

func TestNumericCodeGenerator(t *testing.T) {
	t.Run("default range", func(t *testing.T) {
		g := internal.NewNumericCodeGenerator()
		assert.Equal(t, int64(90000), g.Size())

		for range 1000 {
			code, err := g.Generate()
			require.NoError(t, err)
			require.Len(t, code, 5)
			n, err := strconv.Atoi(code)
			require.NoError(t, err)
			require.True(t, n >= 10000 && n <= 99999, "code %s out of range", code)
		}
	})

	t.Run("custom range", func(t *testing.T) {
		g, err := internal.NewNumericCodeGeneratorRange(5, 7)
		require.NoError(t, err)
		assert.Equal(t, int64(3), g.Size())

		seen := map[string]bool{}
		for range 200 {
			code, err := g.Generate()
			require.NoError(t, err)
			seen[code] = true
		}
		assert.Subset(t, []string{"5", "6", "7"}, keys(seen))
	})

	t.Run("invalid range", func(t *testing.T) {
		_, err := internal.NewNumericCodeGeneratorRange(10, 1)
		assert.Error(t, err)
	})
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
