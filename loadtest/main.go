package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"rdv-chat/internal/api"
	"rdv-chat/internal/logger"
	"rdv-chat/internal/session"
	"rdv-chat/internal/user"
)

var (
	baseURL  = flag.String("url", "http://localhost:8000", "gateway base URL")
	pairs    = flag.Int("pairs", 50, "patient/doctor pairs; each pair is two sessions")
	msgCount = flag.Int("messages", 20, "messages sent per session")
	interval = flag.Duration("interval", 10*time.Millisecond, "pause between two sends")
	settle   = flag.Duration("settle", 5*time.Second, "how long to wait for the last pushes")
)

type stats struct {
	sent     atomic.Int64
	received atomic.Int64
	failed   atomic.Int64
}

func main() {
	flag.Parse()
	log := logger.New(logger.DevelopmentMode)
	defer log.Sync()

	log.Infof("starting load test: %d sessions, %d messages each", *pairs*2, *msgCount)
	start := time.Now()

	var st stats
	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(200)
	for i := 0; i < *pairs; i++ {
		pairID := i
		g.Go(func() error {
			if err := runPair(ctx, pairID, &st, log); err != nil {
				st.failed.Add(1)
				log.Warnf("pair %d failed: %v", pairID, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	expected := st.sent.Load() * 2
	log.Infof("load test complete in %s: sent=%d received=%d/%d failed pairs=%d",
		time.Since(start).Round(time.Millisecond), st.sent.Load(), st.received.Load(), expected, st.failed.Load())
}

func runPair(ctx context.Context, pairID int, st *stats, log *logger.Logger) error {
	pass := "password123"
	patient, err := authenticate(ctx, fmt.Sprintf("u_%d_a@load.test", pairID), pass, user.RolePatient)
	if err != nil {
		return err
	}
	doctor, err := authenticate(ctx, fmt.Sprintf("u_%d_b@load.test", pairID), pass, user.RoleDoctor)
	if err != nil {
		return err
	}

	client := api.NewClient(*baseURL, api.WithToken(patient.AccessToken))
	convID, err := client.CreateOrGetConversation(ctx, patient.ID, doctor.ID)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, who := range []*user.LoginResponse{patient, doctor} {
		who := who
		g.Go(func() error {
			return spamChat(gctx, who, convID, st, log)
		})
	}
	return g.Wait()
}

// authenticate registers the account, ignoring "already exists", then logs in.
func authenticate(ctx context.Context, email, password, role string) (*user.LoginResponse, error) {
	_, _ = postJSON(ctx, "/auth/register", user.RegisterRequest{
		Name: email, Email: email, Password: password, Role: role,
	}, nil)

	var res user.LoginResponse
	if _, err := postJSON(ctx, "/auth/login", user.LoginRequest{Email: email, Password: password}, &res); err != nil {
		return nil, fmt.Errorf("login %s: %w", email, err)
	}
	return &res, nil
}

func spamChat(ctx context.Context, who *user.LoginResponse, convID int, st *stats, log *logger.Logger) error {
	sess := session.New(who.ID, session.Options{Token: who.AccessToken, Logger: log})
	defer sess.Disconnect()

	events, stopEvents := sess.Events()
	defer stopEvents()
	go func() {
		for ev := range events {
			if ev.Kind == session.EventMessage && ev.Message.ConversationID == convID {
				st.received.Add(1)
			}
		}
	}()

	states, cancel := sess.WatchState()
	sess.Connect(*baseURL)
	if err := waitConnected(ctx, states); err != nil {
		cancel()
		return fmt.Errorf("user %d: %w", who.ID, err)
	}
	cancel()

	for i := 0; i < *msgCount; i++ {
		if !sess.Send(convID, fmt.Sprintf("LoadTest Msg %d from %s", i, who.Name), "") {
			return fmt.Errorf("user %d lost its connection after %d messages", who.ID, i)
		}
		st.sent.Add(1)
		time.Sleep(*interval)
	}

	select {
	case <-time.After(*settle):
	case <-ctx.Done():
	}
	return nil
}

func waitConnected(ctx context.Context, states <-chan session.ConnectionState) error {
	timeout := time.After(30 * time.Second)
	for {
		select {
		case s := <-states:
			if s == session.Connected {
				return nil
			}
		case <-timeout:
			return fmt.Errorf("connect timed out")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func postJSON(ctx context.Context, path string, in, out any) (int, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, *baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("%s: http %d", path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}
