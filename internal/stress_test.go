package internal_test

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-live-game-session/internal"
	"github.com/koopa0/system-design/14-live-game-session/pkg/logger"
)

// TestStress_ConcurrentRoomCreation 測試併發創建房間：代碼不得重複
func TestStress_ConcurrentRoomCreation(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping stress test in short mode")
	}

	registry := internal.NewRegistry(logger.Discard(), internal.RegistryOptions{})

	const (
		numGoroutines     = 100
		roomsPerGoroutine = 20
	)

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		codes      []string
		errorCount atomic.Int32
	)

	start := time.Now()

	for i := range numGoroutines {
		wg.Add(1)
		go func(goroutineID int) {
			defer wg.Done()

			for j := range roomsPerGoroutine {
				code, err := registry.CreateRoom(fmt.Sprintf("host_%d_%d", goroutineID, j), "content")
				if err != nil {
					errorCount.Add(1)
					continue
				}
				mu.Lock()
				codes = append(codes, code)
				mu.Unlock()
			}
		}(i)
	}

	wg.Wait()
	duration := time.Since(start)

	t.Logf("創建房間壓力測試結果:")
	t.Logf("  總房間數: %d", numGoroutines*roomsPerGoroutine)
	t.Logf("  成功: %d", len(codes))
	t.Logf("  失敗: %d", errorCount.Load())
	t.Logf("  耗時: %v", duration)

	assert.Equal(t, int32(0), errorCount.Load())
	assert.Len(t, lo.Uniq(codes), numGoroutines*roomsPerGoroutine, "加入碼必須唯一")
	assert.Equal(t, numGoroutines*roomsPerGoroutine, registry.Stats().LiveRooms)
}

// TestStress_ConcurrentJoinLeave 測試同一房間的併發加入、離開與開始
func TestStress_ConcurrentJoinLeave(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping stress test in short mode")
	}

	registry := internal.NewRegistry(logger.Discard(), internal.RegistryOptions{DedupeByIdentity: true})
	code, err := registry.CreateRoom("host", "content")
	require.NoError(t, err)

	const numPlayers = 200

	var (
		wg       sync.WaitGroup
		starts   atomic.Int32
		captured atomic.Int32
	)

	for i := range numPlayers {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			connID := fmt.Sprintf("conn_%d", id)
			if _, err := registry.JoinRoom(code, connID, fmt.Sprintf("玩家%d", id), fmt.Sprintf("s%d", id)); err != nil {
				t.Errorf("join %d: %v", id, err)
				return
			}
			// 一半的玩家立即離開
			if id%2 == 0 {
				registry.RemoveConnection(connID)
			}
		}(i)
	}

	// 與加入同時進行的開始：只會成功一次
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res, err := registry.StartRoom(code, "host"); err == nil {
				starts.Add(1)
				captured.Store(int32(len(res.Recipients)))
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), starts.Load())
	assert.GreaterOrEqual(t, captured.Load(), int32(1), "接收者至少包含房主")

	room, ok := registry.Room(code)
	require.True(t, ok)
	assert.Len(t, room.Participants, numPlayers/2)
	assert.True(t, room.Started)

	stats := registry.Stats()
	assert.Equal(t, int64(numPlayers), stats.Joins)
	assert.Equal(t, numPlayers/2, stats.LiveParticipants)
}

// TestStress_WebSocketFanOut 測試大量 websocket 參與者同時收到開始信號
func TestStress_WebSocketFanOut(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping stress test in short mode")
	}

	env := newGatewayEnv(t, internal.GatewayOptions{})
	host, code := hostRoom(t, env, "quiz")

	const numPlayers = 50

	players := make([]*websocket.Conn, numPlayers)
	for i := range numPlayers {
		players[i] = env.dial(t, "")
		send(t, players[i], internal.EventJoinGame, map[string]string{
			"code":        code,
			"displayName": fmt.Sprintf("玩家%d", i),
			"identityId":  fmt.Sprintf("s%d", i),
		})
	}
	for _, conn := range players {
		expect(t, conn, internal.EventJoinSuccess, nil)
	}
	for range numPlayers {
		expect(t, host, internal.EventRosterUpdated, nil)
	}

	start := time.Now()
	send(t, host, internal.EventStartGame, code)

	for _, conn := range append(players, host) {
		expect(t, conn, internal.EventSessionStarted, nil)
	}

	t.Logf("扇出 %d 個連接耗時 %v", numPlayers+1, time.Since(start))
	assert.Zero(t, env.gateway.Stats().DroppedMessages)
}

// BenchmarkRegistry_CreateRoom 基準測試：創建房間
func BenchmarkRegistry_CreateRoom(b *testing.B) {
	registry := internal.NewRegistry(logger.Discard(), internal.RegistryOptions{})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		hostID := fmt.Sprintf("host_%d", i)
		if _, err := registry.CreateRoom(hostID, "content"); err != nil {
			b.Fatal(err)
		}
		// 釋放代碼空間
		registry.RemoveConnection(hostID)
	}
}

// BenchmarkRegistry_JoinRoom 基準測試：加入房間
func BenchmarkRegistry_JoinRoom(b *testing.B) {
	registry := internal.NewRegistry(logger.Discard(), internal.RegistryOptions{})
	code, err := registry.CreateRoom("host", "content")
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := registry.JoinRoom(code, fmt.Sprintf("conn_%d", i), "player", ""); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkRegistry_FindRoomsContaining 基準測試：授權查詢
func BenchmarkRegistry_FindRoomsContaining(b *testing.B) {
	registry := internal.NewRegistry(logger.Discard(), internal.RegistryOptions{})
	for i := range 500 {
		code, err := registry.CreateRoom(fmt.Sprintf("host_%d", i), fmt.Sprintf("content_%d", i%10))
		if err != nil {
			b.Fatal(err)
		}
		for j := range 20 {
			_, _ = registry.JoinRoom(code, fmt.Sprintf("c_%d_%d", i, j), "p", fmt.Sprintf("s%d", j))
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		registry.FindRoomsContaining("s7", "content_3")
	}
}
