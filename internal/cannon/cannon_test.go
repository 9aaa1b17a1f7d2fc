package cannon

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dedezza1D/hookflow/internal/apierr"
	"github.com/dedezza1D/hookflow/internal/dedup"
	"github.com/dedezza1D/hookflow/internal/events"
	"github.com/dedezza1D/hookflow/internal/queue"
	"github.com/dedezza1D/hookflow/internal/queue/queuetest"
	"github.com/dedezza1D/hookflow/internal/scheduler"
	"github.com/dedezza1D/hookflow/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var fixedNow = time.UnixMilli(1_700_000_000_000)

type fakeResolver map[string][]net.IP

func (r fakeResolver) LookupIP(_ context.Context, _ string, host string) ([]net.IP, error) {
	ips, ok := r[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return ips, nil
}

type sentMail struct {
	to, subject, body string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMail
}

func (s *fakeSender) Send(_ context.Context, to, subject, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMail{to, subject, body})
	return nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type fixture struct {
	c      *Cannon
	store  *store.Store
	q      *queuetest.Recorder
	mail   *fakeSender
	sleeps []time.Duration
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	st := store.NewMemory()
	q := queuetest.NewRecorder()
	sched := scheduler.New(scheduler.DefaultConfig(), zap.NewNop(), st, q)

	cfg := DefaultConfig()
	cfg.VerifyURLs = false
	cfg.RecordingBaseURL = "https://recordings.example.com/hls/"
	cfg.RecordCatalystObjectStoreID = "catalyst-os"
	cfg.VODObjectStoreID = "vod-os"
	if mutate != nil {
		mutate(&cfg)
	}

	f := &fixture{store: st, q: q, mail: &fakeSender{}}
	f.c = New(cfg, Deps{
		Logger:    zap.NewNop(),
		Store:     st,
		Queue:     q,
		Resolver:  fakeResolver{"hooks.example.com": {net.ParseIP("93.184.216.34")}, "internal.example.com": {net.ParseIP("10.1.2.3")}},
		Notifier:  f.mail,
		Scheduler: sched,
	})
	f.c.now = func() time.Time { return fixedNow }
	f.c.sleep = func(_ context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		return nil
	}
	return f
}

func (f *fixture) seed(t *testing.T, docs ...any) {
	t.Helper()
	ctx := context.Background()
	for _, d := range docs {
		switch v := d.(type) {
		case store.User:
			require.NoError(t, f.store.Users.Create(ctx, &v))
		case store.Webhook:
			require.NoError(t, f.store.Webhooks.Create(ctx, &v))
		case store.Stream:
			require.NoError(t, f.store.Streams.Create(ctx, &v))
		case store.Session:
			require.NoError(t, f.store.Sessions.Create(ctx, &v))
		default:
			t.Fatalf("cannot seed %T", d)
		}
	}
}

func (f *fixture) webhook(t *testing.T, id string) *store.Webhook {
	t.Helper()
	w, err := f.store.Webhooks.Get(context.Background(), id)
	require.NoError(t, err)
	return w
}

func (f *fixture) responses(t *testing.T, webhookID string) []store.WebhookResponse {
	t.Helper()
	rows, err := f.store.WebhookResponses.Find(context.Background(), store.Query{Where: []store.Cond{store.Eq("webhookId", webhookID)}})
	require.NoError(t, err)
	return rows
}

var owner = store.User{ID: "u1", Email: "owner@example.com", FirstName: "Ada"}

func newTrigger(t *testing.T, url, secret string) *events.WebhookTrigger {
	t.Helper()
	ev, err := events.NewWebhookEvent(events.StreamStarted, owner.ID, map[string]string{"hello": "world"}, fixedNow.Add(-time.Second))
	require.NoError(t, err)
	user := owner
	return &events.WebhookTrigger{
		Envelope: events.NewEnvelope(events.TypeWebhookTrigger, fixedNow),
		Event:    &ev,
		Webhook: &store.Webhook{
			ID:           "wh1",
			UserID:       owner.ID,
			Name:         "my hook",
			URL:          url,
			Event:        string(events.StreamStarted),
			SharedSecret: secret,
		},
		User: &user,
	}
}

func receiver(t *testing.T, status int, seen func(r *http.Request, body []byte)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		body, _ := io.ReadAll(r.Body)
		if seen != nil {
			seen(r, body)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte("receiver says hi"))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestSignatureHeaders(t *testing.T) {
	payload := []byte(`{"id":"e1"}`)
	h := SignatureHeaders(payload, "s3cret", fixedNow)
	require.Contains(t, h, SignatureHeader)

	parts := strings.Split(h[SignatureHeader], ",")
	require.Len(t, parts, 2)
	assert.Equal(t, "t=1700000000000", parts[0])

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(payload)
	assert.Equal(t, "v1="+hex.EncodeToString(mac.Sum(nil)), parts[1])

	assert.Nil(t, SignatureHeaders(payload, "", fixedNow))
}

func TestFireHook_Success(t *testing.T) {
	f := newFixture(t, nil)
	var gotHeader http.Header
	var gotBody []byte
	srv, hits := receiver(t, http.StatusOK, func(r *http.Request, body []byte) {
		gotHeader = r.Header.Clone()
		gotBody = body
	})
	trigger := newTrigger(t, srv.URL+"/hook", "s3cret")
	f.seed(t, *trigger.Webhook)

	assert.True(t, f.c.FireHook(context.Background(), trigger))
	assert.EqualValues(t, 1, hits.Load())

	assert.Equal(t, "application/json", gotHeader.Get("Content-Type"))
	assert.Equal(t, "livepeer.studio", gotHeader.Get("User-Agent"))
	assert.Equal(t, "t=1700000000000,v1="+Sign(gotBody, "s3cret"), gotHeader.Get(SignatureHeader))

	var body map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &body))
	assert.Equal(t, trigger.Event.ID, body["id"])
	assert.Equal(t, "wh1", body["webhookId"])
	assert.Equal(t, "stream.started", body["event"])
	assert.EqualValues(t, fixedNow.UnixMilli(), body["timestamp"])
	assert.EqualValues(t, trigger.Event.Timestamp, body["createdAt"])
	assert.Equal(t, map[string]any{"hello": "world"}, body["payload"])

	rows := f.responses(t, "wh1")
	require.Len(t, rows, 1)
	assert.Equal(t, 200, rows[0].StatusCode)
	assert.Equal(t, trigger.Event.ID, rows[0].EventID)
	decoded, err := base64.StdEncoding.DecodeString(rows[0].Response.Body)
	require.NoError(t, err)
	assert.Equal(t, "receiver says hi", string(decoded))

	hook := f.webhook(t, "wh1")
	assert.Equal(t, fixedNow.UnixMilli(), hook.Status.LastTriggeredAt)
	assert.Nil(t, hook.Status.LastFailure)
	assert.Empty(t, f.q.All())
}

func TestFireHook_NoSignatureWithoutSecret(t *testing.T) {
	f := newFixture(t, nil)
	var sig string
	srv, _ := receiver(t, http.StatusNoContent, func(r *http.Request, _ []byte) {
		sig = r.Header.Get(SignatureHeader)
	})
	trigger := newTrigger(t, srv.URL, "")

	assert.True(t, f.c.FireHook(context.Background(), trigger))
	assert.Empty(t, sig)
}

func TestFireHook_BlocksInternalAddresses(t *testing.T) {
	srv, hits := receiver(t, http.StatusOK, nil)

	for name, url := range map[string]string{
		"literal loopback":  srv.URL,
		"resolves private":  "http://internal.example.com/hook",
		"does not resolve":  "http://nowhere.example.com/hook",
		"not http":          "ftp://hooks.example.com/hook",
		"metadata endpoint": "http://169.254.169.254/latest/meta-data",
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, func(c *Config) { c.VerifyURLs = true })
			trigger := newTrigger(t, url, "")
			f.seed(t, *trigger.Webhook)

			assert.False(t, f.c.FireHook(context.Background(), trigger))
			assert.Empty(t, f.responses(t, "wh1"))
			assert.Zero(t, f.webhook(t, "wh1").Status.LastTriggeredAt)
			assert.Empty(t, f.q.All())
		})
	}
	assert.Zero(t, hits.Load())
}

func TestCheckURL_AdminAndPublicHosts(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.VerifyURLs = true })
	ctx := context.Background()

	assert.NoError(t, f.c.CheckURL(ctx, &owner, "https://hooks.example.com/x"))
	assert.Error(t, f.c.CheckURL(ctx, &owner, "http://127.0.0.1:8080/x"))
	assert.Error(t, f.c.CheckURL(ctx, &owner, "http://[::1]/x"))

	admin := owner
	admin.Admin = true
	assert.NoError(t, f.c.CheckURL(ctx, &admin, "http://127.0.0.1:8080/x"))
}

func TestFireHook_BlocksRedirectIntoPrivateSpace(t *testing.T) {
	internal, internalHits := receiver(t, http.StatusOK, nil)
	redirector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, internal.URL, http.StatusTemporaryRedirect)
	}))
	t.Cleanup(redirector.Close)

	f := newFixture(t, func(c *Config) { c.VerifyURLs = true })
	// hooks.example.com resolves to a public address but is served by the redirector
	f.c.http = &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, redirector.Listener.Addr().String())
		},
	}}
	trigger := newTrigger(t, "http://hooks.example.com/hook", "")
	f.seed(t, *trigger.Webhook)

	assert.False(t, f.c.FireHook(context.Background(), trigger))
	assert.Zero(t, internalHits.Load())

	hook := f.webhook(t, "wh1")
	require.NotNil(t, hook.Status.LastFailure)
	assert.Contains(t, hook.Status.LastFailure.Error, "private_address")
	assert.Len(t, f.q.Find(events.WebhookTriggersKey), 1)
}

func TestFireHook_ServerErrorSchedulesRetry(t *testing.T) {
	f := newFixture(t, nil)
	srv, _ := receiver(t, http.StatusServiceUnavailable, nil)
	trigger := newTrigger(t, srv.URL, "")
	f.seed(t, *trigger.Webhook)

	assert.False(t, f.c.FireHook(context.Background(), trigger))

	retries := f.q.Find(events.WebhookTriggersKey)
	require.Len(t, retries, 1)
	assert.Equal(t, 5*time.Second, retries[0].Delay)

	var next events.WebhookTrigger
	require.NoError(t, retries[0].Decode(&next))
	assert.Equal(t, 1, next.Retries)
	assert.EqualValues(t, 5000, next.LastInterval)
	assert.NotEqual(t, trigger.ID, next.ID)
	assert.Equal(t, trigger.Event.ID, next.Event.ID)

	hook := f.webhook(t, "wh1")
	require.NotNil(t, hook.Status.LastFailure)
	assert.Equal(t, 503, hook.Status.LastFailure.StatusCode)
	assert.Equal(t, "receiver says hi", hook.Status.LastFailure.Response)
	assert.Len(t, f.responses(t, "wh1"), 1)
}

func TestFireHook_ClientErrorDoesNotRetry(t *testing.T) {
	f := newFixture(t, nil)
	srv, _ := receiver(t, http.StatusNotFound, nil)
	trigger := newTrigger(t, srv.URL, "")
	f.seed(t, *trigger.Webhook)

	assert.False(t, f.c.FireHook(context.Background(), trigger))
	assert.Empty(t, f.q.All())
	assert.Equal(t, 404, f.webhook(t, "wh1").Status.LastFailure.StatusCode)
	assert.Len(t, f.responses(t, "wh1"), 1)
}

func TestFireHook_NetworkErrorSchedulesRetry(t *testing.T) {
	f := newFixture(t, nil)
	srv, _ := receiver(t, http.StatusOK, nil)
	url := srv.URL
	srv.Close()

	trigger := newTrigger(t, url, "")
	f.seed(t, *trigger.Webhook)

	assert.False(t, f.c.FireHook(context.Background(), trigger))
	assert.Len(t, f.q.Find(events.WebhookTriggersKey), 1)

	hook := f.webhook(t, "wh1")
	require.NotNil(t, hook.Status.LastFailure)
	assert.Zero(t, hook.Status.LastFailure.StatusCode)
	assert.NotEmpty(t, hook.Status.LastFailure.Error)

	rows := f.responses(t, "wh1")
	require.Len(t, rows, 1)
	assert.Zero(t, rows[0].StatusCode)
}

func TestRetry_BackoffDoublesAndCaps(t *testing.T) {
	f := newFixture(t, nil)
	trigger := newTrigger(t, "https://hooks.example.com", "")

	last := int64(0)
	for i := 0; i < 12; i++ {
		trigger.Retries = i
		trigger.LastInterval = last
		require.NoError(t, f.c.Retry(context.Background(), trigger, "boom"))

		all := f.q.Find(events.WebhookTriggersKey)
		var next events.WebhookTrigger
		require.NoError(t, all[len(all)-1].Decode(&next))

		want := int64(5000)
		if last > 0 {
			want = min(last*2, time.Hour.Milliseconds())
		}
		assert.Equal(t, want, next.LastInterval)
		assert.GreaterOrEqual(t, next.LastInterval, last)
		assert.Equal(t, time.Duration(want)*time.Millisecond, all[len(all)-1].Delay)
		last = next.LastInterval
	}
	assert.Equal(t, time.Hour.Milliseconds(), last)
}

func TestRetry_ExhaustedNotifiesOwnerOnce(t *testing.T) {
	f := newFixture(t, nil)
	srv, _ := receiver(t, http.StatusInternalServerError, nil)
	trigger := newTrigger(t, srv.URL, "")
	trigger.Retries = 33
	trigger.LastInterval = time.Hour.Milliseconds()
	f.seed(t, *trigger.Webhook)

	assert.False(t, f.c.FireHook(context.Background(), trigger))

	assert.Empty(t, f.q.Find(events.WebhookTriggersKey))
	assert.Len(t, f.q.Find(events.WebhookDeadLetterKey), 1)
	require.Equal(t, 1, f.mail.count())
	assert.Equal(t, "owner@example.com", f.mail.sent[0].to)
	assert.Contains(t, f.mail.sent[0].subject, "my hook")
	assert.Equal(t, fixedNow.UnixMilli(), f.webhook(t, "wh1").Status.LastFailureNotification)

	// a later abandonment inside the interval stays quiet
	f.c.now = func() time.Time { return fixedNow.Add(time.Hour) }
	assert.False(t, f.c.FireHook(context.Background(), trigger))
	assert.Equal(t, 1, f.mail.count())

	f.c.now = func() time.Time { return fixedNow.Add(25 * time.Hour) }
	assert.False(t, f.c.FireHook(context.Background(), trigger))
	assert.Equal(t, 2, f.mail.count())
}

func TestHandleWebhooksQueue_AlwaysAcks(t *testing.T) {
	f := newFixture(t, nil)
	srv, hits := receiver(t, http.StatusBadGateway, nil)
	trigger := newTrigger(t, srv.URL, "")

	b, err := json.Marshal(trigger)
	require.NoError(t, err)
	assert.True(t, f.c.HandleWebhooksQueue(context.Background(), queue.Message{Subject: events.WebhookTriggersKey, Data: b}).IsAck())
	assert.EqualValues(t, 1, hits.Load())

	assert.True(t, f.c.HandleWebhooksQueue(context.Background(), queue.Message{Subject: events.WebhookTriggersKey, Data: []byte("nope")}).IsAck())

	incomplete, err := json.Marshal(events.WebhookTrigger{Envelope: events.NewEnvelope(events.TypeWebhookTrigger, fixedNow)})
	require.NoError(t, err)
	assert.True(t, f.c.HandleWebhooksQueue(context.Background(), queue.Message{Subject: events.WebhookTriggersKey, Data: incomplete}).IsAck())
	assert.EqualValues(t, 1, hits.Load())
}

func eventMsg(t *testing.T, key events.EventKey, mutate func(*events.WebhookEvent)) queue.Message {
	t.Helper()
	ev, err := events.NewWebhookEvent(key, owner.ID, map[string]string{"k": "v"}, fixedNow)
	require.NoError(t, err)
	if mutate != nil {
		mutate(&ev)
	}
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	return queue.Message{Subject: events.EventRoutingKey(key), Data: b, Delivered: 1}
}

func subscribed(id string, key events.EventKey) store.Webhook {
	return store.Webhook{ID: id, UserID: owner.ID, Name: id, URL: "https://hooks.example.com/" + id, Event: string(key)}
}

func TestHandleEventsQueue_FansOut(t *testing.T) {
	f := newFixture(t, nil)
	notified := subscribed("wh2", events.StreamStarted)
	notified.Status.LastFailureNotification = 42
	deleted := subscribed("wh3", events.StreamStarted)
	deleted.Deleted = true
	f.seed(t,
		owner,
		store.Stream{ID: "s1", UserID: owner.ID, StreamKey: "secret-key", RecordObjectStoreID: "os1", PlaybackID: "pb1"},
		subscribed("wh1", events.StreamStarted),
		notified,
		deleted,
		subscribed("wh4", events.StreamIdle),
	)

	msg := eventMsg(t, events.StreamStarted, func(ev *events.WebhookEvent) { ev.StreamID = "s1" })
	assert.True(t, f.c.HandleEventsQueue(context.Background(), msg).IsAck())

	published := f.q.Find(events.WebhookTriggersKey)
	require.Len(t, published, 2)

	byHook := map[string]events.WebhookTrigger{}
	for _, p := range published {
		var tr events.WebhookTrigger
		require.NoError(t, p.Decode(&tr))
		byHook[tr.Webhook.ID] = tr
		assert.Equal(t, events.TypeWebhookTrigger, tr.Type)
		assert.Zero(t, tr.Retries)
		require.NotNil(t, tr.Stream)
		assert.Empty(t, tr.Stream.StreamKey)
		assert.Empty(t, tr.Stream.RecordObjectStoreID)
		assert.Equal(t, "pb1", tr.Stream.PlaybackID)
		assert.Equal(t, "owner@example.com", tr.User.Email)
	}
	require.Contains(t, byHook, "wh1")
	require.Contains(t, byHook, "wh2")
	assert.EqualValues(t, 42, byHook["wh2"].LastFailureNotification)
	assert.NotEqual(t, byHook["wh1"].ID, byHook["wh2"].ID)
}

func TestHandleEventsQueue_Drops(t *testing.T) {
	cases := map[string]struct {
		key    events.EventKey
		mutate func(*events.WebhookEvent)
	}{
		"access control":     {key: events.PlaybackAccessControl},
		"no subscribers":     {key: events.AssetReady},
		"stream not found":   {key: events.StreamStarted, mutate: func(ev *events.WebhookEvent) { ev.StreamID = "missing" }},
		"unknown session":    {key: events.RecordingWaiting, mutate: func(ev *events.WebhookEvent) { ev.SessionID = "missing" }},
		"not a webhook type": {key: events.StreamStarted, mutate: func(ev *events.WebhookEvent) { ev.Type = events.TypeTaskResult }},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.seed(t, owner,
				subscribed("wh1", events.PlaybackAccessControl),
				subscribed("wh2", events.StreamStarted),
				subscribed("wh3", events.RecordingWaiting),
			)
			assert.True(t, f.c.HandleEventsQueue(context.Background(), eventMsg(t, tc.key, tc.mutate)).IsAck())
			assert.Empty(t, f.q.All())
		})
	}
}

func TestHandleEventsQueue_MalformedAcks(t *testing.T) {
	f := newFixture(t, nil)
	assert.True(t, f.c.HandleEventsQueue(context.Background(), queue.Message{Subject: "events.stream.started", Data: []byte("{")}).IsAck())
}

func TestHandleEventsQueue_UserProblemsNack(t *testing.T) {
	t.Run("suspended", func(t *testing.T) {
		f := newFixture(t, nil)
		suspended := owner
		suspended.Suspended = true
		f.seed(t, suspended, subscribed("wh1", events.StreamStarted))

		assert.False(t, f.c.HandleEventsQueue(context.Background(), eventMsg(t, events.StreamStarted, nil)).IsAck())
		assert.Empty(t, f.q.All())
	})
	t.Run("missing", func(t *testing.T) {
		f := newFixture(t, nil)
		f.seed(t, subscribed("wh1", events.StreamStarted))

		assert.False(t, f.c.HandleEventsQueue(context.Background(), eventMsg(t, events.StreamStarted, nil)).IsAck())
	})
}

func TestHandleEventsQueue_FanOutCapIsLogged(t *testing.T) {
	f := newFixture(t, nil)
	core, logs := observer.New(zap.WarnLevel)
	f.c.logger = zap.New(core)
	f.seed(t, owner)
	for i := 0; i < store.MaxLimit+3; i++ {
		f.seed(t, subscribed(fmt.Sprintf("wh%d", i), events.StreamStarted))
	}

	assert.True(t, f.c.HandleEventsQueue(context.Background(), eventMsg(t, events.StreamStarted, nil)).IsAck())
	assert.Len(t, f.q.Find(events.WebhookTriggersKey), store.MaxLimit)
	assert.Equal(t, 1, logs.FilterMessage("webhook fan-out capped").Len())
}

func TestHandleEventsQueue_PublishFailureNacks(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, owner, subscribed("wh1", events.StreamStarted))
	f.q.Fail = func(string) error { return errors.New("broker down") }

	assert.False(t, f.c.HandleEventsQueue(context.Background(), eventMsg(t, events.StreamStarted, nil)).IsAck())
}

func TestHandleEventsQueue_DedupSkipsRedelivery(t *testing.T) {
	mr := miniredis.RunT(t)
	cache, err := dedup.NewRedis(context.Background(), mr.Addr(), time.Hour)
	require.NoError(t, err)

	f := newFixture(t, nil)
	f.c.dedup = cache
	f.seed(t, owner, subscribed("wh1", events.StreamStarted))

	msg := eventMsg(t, events.StreamStarted, nil)
	assert.True(t, f.c.HandleEventsQueue(context.Background(), msg).IsAck())
	assert.True(t, f.c.HandleEventsQueue(context.Background(), msg).IsAck())
	assert.Len(t, f.q.Find(events.WebhookTriggersKey), 1)
}

func TestHandleEventsQueue_UnfinishedEventIsRedelivered(t *testing.T) {
	mr := miniredis.RunT(t)
	cache, err := dedup.NewRedis(context.Background(), mr.Addr(), time.Hour)
	require.NoError(t, err)

	f := newFixture(t, nil)
	f.c.dedup = cache
	f.seed(t, owner, subscribed("wh1", events.StreamStarted))

	var ev events.WebhookEvent
	msg := eventMsg(t, events.StreamStarted, func(e *events.WebhookEvent) { ev = *e })
	doneKey := "hookflow:done:" + ev.ID

	// a handler that dies mid fan-out leaves nothing behind in the cache
	var markedMidway bool
	f.q.Fail = func(string) error {
		markedMidway = mr.Exists(doneKey)
		return nil
	}
	assert.True(t, f.c.HandleEventsQueue(context.Background(), msg).IsAck())
	assert.False(t, markedMidway)
	assert.True(t, mr.Exists(doneKey))
	assert.Len(t, f.q.Find(events.WebhookTriggersKey), 1)

	// the redelivery after such a crash is processed, not acked as a duplicate
	mr.Del(doneKey)
	assert.True(t, f.c.HandleEventsQueue(context.Background(), msg).IsAck())
	assert.Len(t, f.q.Find(events.WebhookTriggersKey), 2)
}

func TestHandleWebhooksQueue_MarksTriggerAfterDelivery(t *testing.T) {
	mr := miniredis.RunT(t)
	cache, err := dedup.NewRedis(context.Background(), mr.Addr(), time.Hour)
	require.NoError(t, err)

	f := newFixture(t, nil)
	f.c.dedup = cache
	srv, hits := receiver(t, http.StatusOK, nil)
	trigger := newTrigger(t, srv.URL, "")
	b, err := json.Marshal(trigger)
	require.NoError(t, err)
	msg := queue.Message{Subject: events.WebhookTriggersKey, Data: b, Delivered: 1}

	assert.True(t, f.c.HandleWebhooksQueue(context.Background(), msg).IsAck())
	assert.True(t, mr.Exists("hookflow:done:"+trigger.ID))
	assert.True(t, f.c.HandleWebhooksQueue(context.Background(), msg).IsAck())
	assert.EqualValues(t, 1, hits.Load())
}

func TestHandleEventsQueue_FailedEventIsRetried(t *testing.T) {
	mr := miniredis.RunT(t)
	cache, err := dedup.NewRedis(context.Background(), mr.Addr(), time.Hour)
	require.NoError(t, err)

	f := newFixture(t, nil)
	f.c.dedup = cache
	f.seed(t, owner, subscribed("wh1", events.StreamStarted))
	f.q.Fail = func(string) error { return errors.New("broker down") }

	msg := eventMsg(t, events.StreamStarted, nil)
	assert.False(t, f.c.HandleEventsQueue(context.Background(), msg).IsAck())

	f.q.Fail = nil
	assert.True(t, f.c.HandleEventsQueue(context.Background(), msg).IsAck())
	assert.Len(t, f.q.Find(events.WebhookTriggersKey), 1)
}

func endedSession() store.Session {
	return store.Session{
		ID:          "sess1",
		UserID:      owner.ID,
		ParentID:    "s1",
		PlaybackID:  "pb1",
		Name:        "Friday show",
		LastSeen:    fixedNow.Add(-10 * time.Minute).UnixMilli(),
		SourceBytes: 4096,
	}
}

func TestRecordingWaitingChecks_SpawnsUpload(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, owner, endedSession(),
		store.Stream{ID: "child", UserID: owner.ID, ParentID: "s1", SessionID: "sess1", IsActive: true},
		store.Stream{ID: "other", UserID: owner.ID, SessionID: "sess2", IsActive: true},
	)
	ctx := context.Background()

	require.NoError(t, f.c.HandleRecordingWaitingChecks(ctx, "sess1", false))
	assert.Empty(t, f.sleeps)

	asset, err := f.store.Assets.Get(ctx, "sess1")
	require.NoError(t, err)
	assert.Equal(t, "recording", asset.Source.Type)
	assert.Equal(t, "sess1", asset.Source.SessionID)
	assert.Equal(t, "vod-os", asset.ObjectStoreID)
	assert.Equal(t, "catalyst-os", asset.Source.ObjectStoreID)
	assert.Equal(t, store.AssetWaiting, asset.Status.Phase)

	tasks, err := f.store.Tasks.Find(ctx, store.Query{Where: []store.Cond{store.Eq("outputAssetId", "sess1")}})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, store.TaskUpload, tasks[0].Type)
	assert.Equal(t, store.TaskWaiting, tasks[0].Status.Phase)
	assert.Equal(t, "https://recordings.example.com/hls/pb1/sess1/output.m3u8", tasks[0].Params.Upload.URL)
	assert.Equal(t, "sess1", tasks[0].Params.Upload.RecordedSessionID)
	assert.Len(t, f.q.Find(events.TaskTriggerKey(store.TaskUpload, tasks[0].ID)), 1)

	child, err := f.store.Streams.Get(ctx, "child")
	require.NoError(t, err)
	assert.False(t, child.IsActive)
	other, err := f.store.Streams.Get(ctx, "other")
	require.NoError(t, err)
	assert.True(t, other.IsActive)

	err = f.c.HandleRecordingWaitingChecks(ctx, "sess1", false)
	assert.True(t, apierr.IsUnprocessable(err))
}

func TestRecordingWaitingChecks_SessionObjectStoreWins(t *testing.T) {
	f := newFixture(t, nil)
	session := endedSession()
	session.RecordObjectStoreID = "session-os"
	f.seed(t, session)

	require.NoError(t, f.c.HandleRecordingWaitingChecks(context.Background(), "sess1", false))
	asset, err := f.store.Assets.Get(context.Background(), "sess1")
	require.NoError(t, err)
	assert.Equal(t, "session-os", asset.Source.ObjectStoreID)
	assert.Equal(t, "vod-os", asset.ObjectStoreID)
}

func recordingWaitingMsg(t *testing.T) queue.Message {
	t.Helper()
	return eventMsg(t, events.RecordingWaiting, func(ev *events.WebhookEvent) { ev.SessionID = "sess1" })
}

func failOnce(key string) func(string) error {
	var failed bool
	return func(k string) error {
		if k == key && !failed {
			failed = true
			return errors.New("broker down")
		}
		return nil
	}
}

func recordingUploads(t *testing.T, f *fixture) []store.Task {
	t.Helper()
	tasks, err := f.store.Tasks.Find(context.Background(), store.Query{Where: []store.Cond{store.Eq("outputAssetId", "sess1")}})
	require.NoError(t, err)
	return tasks
}

func TestRecordingWaiting_RedeliveryEnqueuesPendingUpload(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, owner, endedSession())
	f.q.Fail = failOnce(events.EventRoutingKey(events.TaskSpawned))
	ctx := context.Background()

	assert.False(t, f.c.HandleEventsQueue(ctx, recordingWaitingMsg(t)).IsAck())
	tasks := recordingUploads(t, f)
	require.Len(t, tasks, 1)
	require.Equal(t, store.TaskPending, tasks[0].Status.Phase)
	assert.Empty(t, f.q.Find(events.TaskTriggerKey(store.TaskUpload, tasks[0].ID)))

	assert.True(t, f.c.HandleEventsQueue(ctx, recordingWaitingMsg(t)).IsAck())
	tasks = recordingUploads(t, f)
	require.Len(t, tasks, 1)
	assert.Equal(t, store.TaskWaiting, tasks[0].Status.Phase)
	assert.Len(t, f.q.Find(events.TaskTriggerKey(store.TaskUpload, tasks[0].ID)), 1)

	asset, err := f.store.Assets.Get(ctx, "sess1")
	require.NoError(t, err)
	assert.Equal(t, store.AssetWaiting, asset.Status.Phase)

	// once queued, another redelivery is a duplicate
	assert.True(t, f.c.HandleEventsQueue(ctx, recordingWaitingMsg(t)).IsAck())
	assert.Len(t, f.q.Find(events.TaskTriggerKey(store.TaskUpload, tasks[0].ID)), 1)
}

func TestRecordingWaiting_RedeliverySpawnsMissingUpload(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, owner, endedSession())
	f.q.Fail = failOnce(events.EventRoutingKey(events.AssetCreated))
	ctx := context.Background()

	assert.False(t, f.c.HandleEventsQueue(ctx, recordingWaitingMsg(t)).IsAck())
	_, err := f.store.Assets.Get(ctx, "sess1")
	require.NoError(t, err)
	assert.Empty(t, recordingUploads(t, f))

	assert.True(t, f.c.HandleEventsQueue(ctx, recordingWaitingMsg(t)).IsAck())
	tasks := recordingUploads(t, f)
	require.Len(t, tasks, 1)
	assert.Equal(t, store.TaskWaiting, tasks[0].Status.Phase)
	assert.Equal(t, "sess1", tasks[0].Params.Upload.RecordedSessionID)
	assert.Len(t, f.q.Find(events.TaskTriggerKey(store.TaskUpload, tasks[0].ID)), 1)
}

func TestRecordingWaitingChecks_Terminal(t *testing.T) {
	active := endedSession()
	active.LastSeen = fixedNow.Add(-5 * time.Second).UnixMilli()
	unused := endedSession()
	unused.SourceBytes = 0

	for name, s := range map[string]*store.Session{"not found": nil, "unused": &unused} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, nil)
			if s != nil {
				f.seed(t, *s)
			}
			err := f.c.HandleRecordingWaitingChecks(context.Background(), "sess1", false)
			assert.True(t, apierr.IsUnprocessable(err), "got %v", err)
		})
	}

	t.Run("still active after recheck", func(t *testing.T) {
		f := newFixture(t, nil)
		f.seed(t, active)
		err := f.c.HandleRecordingWaitingChecks(context.Background(), "sess1", false)
		assert.True(t, apierr.IsUnprocessable(err))
		assert.Equal(t, []time.Duration{time.Minute}, f.sleeps)
	})
}

func TestRecordingWaitingChecks_RecheckSeesSessionEnd(t *testing.T) {
	f := newFixture(t, nil)
	active := endedSession()
	active.LastSeen = fixedNow.Add(-5 * time.Second).UnixMilli()
	f.seed(t, active)

	f.c.sleep = func(_ context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		f.c.now = func() time.Time { return fixedNow.Add(d + time.Second) }
		return nil
	}

	require.NoError(t, f.c.HandleRecordingWaitingChecks(context.Background(), "sess1", false))
	assert.Len(t, f.sleeps, 1)
	_, err := f.store.Assets.Get(context.Background(), "sess1")
	assert.NoError(t, err)
}
