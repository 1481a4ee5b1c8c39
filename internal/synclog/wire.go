package synclog

// RegisterDeviceRequest is the HTTP body for device registration.
type RegisterDeviceRequest struct {
	ProductType    ProductType `json:"product_type"`
	DevicePlatform string      `json:"device_platform"`
}

// DeviceListResponse lists the caller's devices.
type DeviceListResponse struct {
	Devices []Device `json:"devices"`
}

// WriteEntriesRequest carries entries to append.
type WriteEntriesRequest struct {
	Entries []EntryInput `json:"entries"`
}

// EntriesResponse carries stamped entries.
type EntriesResponse struct {
	Entries []Entry `json:"entries"`
}

// ErrorResponse is the error body returned by the sync service.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Error codes shared by the service and its client.
const (
	ErrorCodeInvalidRequest = "invalid_request"
	ErrorCodeUnauthorized   = "unauthorized"
	ErrorCodeForbidden      = "forbidden"
	ErrorCodeUnknownDevice  = "unknown_device"
	ErrorCodeRateLimited    = "rate_limited"
	ErrorCodeInternal       = "internal_error"
)
