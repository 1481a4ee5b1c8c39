package synclog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultRemoteTimeout = 30 * time.Second

// RemoteConfig configures a RemoteLog.
type RemoteConfig struct {
	BaseURL     string
	AccessToken string
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// RemoteLog talks to the sync service over HTTP. The user is taken from the access
// token; the userID arguments only guard against calls made without a signed-in user.
type RemoteLog struct {
	baseURL *url.URL
	token   string
	client  *http.Client
	logger  *zap.Logger
}

// NewRemoteLog validates the base URL.
func NewRemoteLog(cfg RemoteConfig) (*RemoteLog, error) {
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("synclog: invalid base url %q", cfg.BaseURL)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultRemoteTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RemoteLog{baseURL: parsed, token: cfg.AccessToken, client: client, logger: logger}, nil
}

func (l *RemoteLog) CreateDeviceID(ctx context.Context, registration DeviceRegistration) (string, error) {
	if err := validateRegistration(registration); err != nil {
		return "", err
	}
	var device Device
	err := l.do(ctx, http.MethodPost, "/v1/devices", nil, RegisterDeviceRequest{
		ProductType:    registration.ProductType,
		DevicePlatform: registration.DevicePlatform,
	}, &device)
	if err != nil {
		return "", err
	}
	return device.DeviceID, nil
}

func (l *RemoteLog) GetDeviceInfo(ctx context.Context, userID, deviceID string) (Device, error) {
	if userID == "" {
		return Device{}, ErrMissingUserID
	}
	var device Device
	if err := l.do(ctx, http.MethodGet, "/v1/devices/"+url.PathEscape(deviceID), nil, nil, &device); err != nil {
		return Device{}, err
	}
	return device, nil
}

func (l *RemoteLog) ListDevices(ctx context.Context, userID string) ([]Device, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}
	var response DeviceListResponse
	if err := l.do(ctx, http.MethodGet, "/v1/devices", nil, nil, &response); err != nil {
		return nil, err
	}
	return response.Devices, nil
}

func (l *RemoteLog) WriteEntries(ctx context.Context, userID string, entries []EntryInput) ([]Entry, error) {
	if err := validateInputs(userID, entries); err != nil {
		return nil, err
	}
	var response EntriesResponse
	if err := l.do(ctx, http.MethodPost, "/v1/sync/entries", nil, WriteEntriesRequest{Entries: entries}, &response); err != nil {
		return nil, err
	}
	return response.Entries, nil
}

func (l *RemoteLog) GetEntriesCreatedAfter(ctx context.Context, userID string, sharedOn int64, options QueryOptions) ([]Entry, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}
	query := url.Values{}
	query.Set("after", strconv.FormatInt(sharedOn, 10))
	if options.ExcludeDeviceID != "" {
		query.Set("exclude_device", options.ExcludeDeviceID)
	}
	if options.Limit > 0 {
		query.Set("limit", strconv.Itoa(options.Limit))
	}
	var response EntriesResponse
	if err := l.do(ctx, http.MethodGet, "/v1/sync/entries", query, nil, &response); err != nil {
		return nil, err
	}
	return response.Entries, nil
}

func (l *RemoteLog) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	endpoint := *l.baseURL
	endpoint.Path = strings.TrimRight(endpoint.Path, "/") + path
	if query != nil {
		endpoint.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return err
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if l.token != "" {
		request.Header.Set("Authorization", "Bearer "+l.token)
	}

	response, err := l.client.Do(request)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(response.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if response.StatusCode >= 300 {
		var failure ErrorResponse
		_ = json.Unmarshal(payload, &failure)
		l.logger.Debug("sync service request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", response.StatusCode),
			zap.String("error", failure.Error))
		return statusError(response.StatusCode, failure.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return nil
}

func statusError(status int, code string) error {
	switch {
	case status == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrUnauthorized, code)
	case status == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrForbidden, code)
	case code == ErrorCodeUnknownDevice || status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrUnknownDevice, code)
	case status == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidEntry, code)
	default:
		return fmt.Errorf("%w: status %d %s", ErrUnavailable, status, code)
	}
}
