package control_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/memexsync/internal/control"
	syncengine "github.com/MarcoPoloResearchLab/memexsync/internal/sync"
	"github.com/gin-gonic/gin"
)

type stubEngine struct {
	forceErr   error
	report     syncengine.CycleReport
	state      syncengine.State
	answered   []syncengine.InitialMessage
	requestErr error
	waitReport syncengine.InitialSyncReport
	waitErr    error
}

func (s *stubEngine) ForceIncrementalSync(context.Context) (syncengine.CycleReport, error) {
	return s.report, s.forceErr
}

func (s *stubEngine) EnableSync(context.Context) error {
	s.state = syncengine.StateEnabled
	return nil
}

func (s *stubEngine) DisableSync(context.Context) error {
	s.state = syncengine.StateDisabled
	return nil
}

func (s *stubEngine) Status(context.Context) syncengine.Status {
	return syncengine.Status{State: s.state}
}

func (s *stubEngine) RequestInitialSync(context.Context) (syncengine.InitialMessage, error) {
	if s.requestErr != nil {
		return syncengine.InitialMessage{}, s.requestErr
	}
	return syncengine.InitialMessage{ChannelID: "channel-1"}, nil
}

func (s *stubEngine) AnswerInitialSync(_ context.Context, message syncengine.InitialMessage) error {
	s.answered = append(s.answered, message)
	return nil
}

func (s *stubEngine) WaitForInitialSync(context.Context) (syncengine.InitialSyncReport, error) {
	return s.waitReport, s.waitErr
}

func newTestHandler(t *testing.T, engine control.Engine) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	handler, err := control.NewHandler(control.Config{Engine: engine})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return handler
}

func serve(handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, path, strings.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func TestNewHandlerRequiresEngine(t *testing.T) {
	if _, err := control.NewHandler(control.Config{}); err == nil {
		t.Fatalf("expected error without engine")
	}
}

func TestForceReturnsCycleReport(t *testing.T) {
	engine := &stubEngine{report: syncengine.CycleReport{Pulled: 3, Applied: 2, Pushed: 1}}
	recorder := serve(newTestHandler(t, engine), http.MethodPost, "/sync/force", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	var report syncengine.CycleReport
	if err := json.Unmarshal(recorder.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Pulled != 3 || report.Applied != 2 || report.Pushed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestForceWhileDisabledConflicts(t *testing.T) {
	engine := &stubEngine{forceErr: syncengine.ErrSyncDisabled}
	recorder := serve(newTestHandler(t, engine), http.MethodPost, "/sync/force", "")
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "sync_disabled") {
		t.Fatalf("unexpected body %s", recorder.Body.String())
	}
}

func TestEnableAndDisableReportState(t *testing.T) {
	engine := &stubEngine{}
	handler := newTestHandler(t, engine)

	recorder := serve(handler, http.MethodPost, "/sync/enable", "")
	if recorder.Code != http.StatusOK || !strings.Contains(recorder.Body.String(), string(syncengine.StateEnabled)) {
		t.Fatalf("unexpected enable response %d %s", recorder.Code, recorder.Body.String())
	}
	recorder = serve(handler, http.MethodPost, "/sync/disable", "")
	if recorder.Code != http.StatusOK || !strings.Contains(recorder.Body.String(), string(syncengine.StateDisabled)) {
		t.Fatalf("unexpected disable response %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestInitialSyncRequestAndAnswer(t *testing.T) {
	engine := &stubEngine{}
	handler := newTestHandler(t, engine)

	recorder := serve(handler, http.MethodPost, "/initial-sync/request", "")
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("unexpected request status %d", recorder.Code)
	}
	var message syncengine.InitialMessage
	if err := json.Unmarshal(recorder.Body.Bytes(), &message); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if message.ChannelID != "channel-1" {
		t.Fatalf("unexpected message %+v", message)
	}

	recorder = serve(handler, http.MethodPost, "/initial-sync/answer", recorder.Body.String())
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("unexpected answer status %d", recorder.Code)
	}
	if len(engine.answered) != 1 || engine.answered[0].ChannelID != "channel-1" {
		t.Fatalf("unexpected answered messages %+v", engine.answered)
	}
}

func TestAnswerRejectsMissingChannel(t *testing.T) {
	engine := &stubEngine{}
	recorder := serve(newTestHandler(t, engine), http.MethodPost, "/initial-sync/answer", `{"channel_id":" "}`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	if len(engine.answered) != 0 {
		t.Fatalf("expected engine not to be called")
	}
}

func TestWaitMapsErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{name: "no initial sync", err: syncengine.ErrNoInitialSync, want: http.StatusNotFound},
		{name: "protocol", err: &syncengine.ProtocolError{Phase: "records", Err: errors.New("truncated")}, want: http.StatusBadGateway},
		{name: "unexpected", err: errors.New("disk full"), want: http.StatusInternalServerError},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			engine := &stubEngine{waitErr: testCase.err}
			recorder := serve(newTestHandler(t, engine), http.MethodPost, "/initial-sync/wait", "")
			if recorder.Code != testCase.want {
				t.Fatalf("expected %d, got %d", testCase.want, recorder.Code)
			}
		})
	}
}
