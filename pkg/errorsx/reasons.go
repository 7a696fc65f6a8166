package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonAuthFetch  ReasonCode = "auth_fetch"
	ReasonAuthStatus ReasonCode = "auth_status"
	ReasonAuthDecode ReasonCode = "auth_decode"

	ReasonPermissionDenied    ReasonCode = "permission_denied"
	ReasonUnsupportedPlatform ReasonCode = "unsupported_platform"
	ReasonAudioDevice         ReasonCode = "audio_device"

	ReasonTransportDial    ReasonCode = "transport_dial"
	ReasonTransportSend    ReasonCode = "transport_send"
	ReasonTransportClosed  ReasonCode = "transport_closed"
	ReasonTransportTimeout ReasonCode = "transport_timeout"
	ReasonProtocol         ReasonCode = "protocol_error"

	ReasonSignKey    ReasonCode = "sign_key"
	ReasonSignFailed ReasonCode = "sign_failed"

	ReasonConfigInvalid ReasonCode = "config_invalid"
	ReasonCircuitOpen   ReasonCode = "circuit_open"
	ReasonBusy          ReasonCode = "busy"
)
