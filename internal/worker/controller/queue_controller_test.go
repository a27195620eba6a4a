package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"mmproc/internal/fanout"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

func newRouter(queue QueueInspector) *gin.Engine {
	router := gin.New()
	NewQueueController(queue).Register(router.Group("/admin"))
	return router
}

func get(router *gin.Engine, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestQueueEndpoints(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	broker := fanout.NewBroker(client, fanout.Config{VisibilityTimeout: 10 * time.Millisecond, MaxDeliveryAttempts: 1})
	queue := broker.Queue("challenge-2", "w-1")
	if err := broker.Send(ctx, "challenge-2", []byte(`{"retryCount":0}`), fanout.Attributes{fanout.AttrChallengeID: "c"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := broker.Send(ctx, "challenge-2", []byte(`{"retryCount":1}`), nil); err != nil {
		t.Fatalf("send: %v", err)
	}

	// The first delivery is never acked, so the next receive dead-letters it.
	first, err := queue.Receive(ctx, 1)
	if err != nil || len(first) != 1 {
		t.Fatalf("receive: %v %d", err, len(first))
	}
	time.Sleep(30 * time.Millisecond)
	if _, err := queue.Receive(ctx, 1); err != nil {
		t.Fatalf("receive: %v", err)
	}

	router := newRouter(queue)

	rec := get(router, "/admin/queue")
	if rec.Code != http.StatusOK {
		t.Fatalf("depth status = %d", rec.Code)
	}
	var depth struct {
		Data depthResponse `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &depth); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if depth.Data.Queue != "challenge-2" || depth.Data.DeadLettered != 1 {
		t.Fatalf("unexpected depth %+v", depth.Data)
	}

	rec = get(router, "/admin/queue/dead-letters?count=5")
	var letters struct {
		Data []deadLetter `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &letters); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(letters.Data) != 1 || letters.Data[0].Body != `{"retryCount":0}` {
		t.Fatalf("unexpected dead letters %+v", letters.Data)
	}

	if rec := get(router, "/admin/queue/dead-letters?count=0"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad count, got %d", rec.Code)
	}
}
