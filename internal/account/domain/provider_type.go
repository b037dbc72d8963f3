package domain

// ProviderType identifies the external calendar system an account belongs to.
type ProviderType string

const (
	// ProviderGoogle is Google Calendar (OAuth2 + Calendar API v3).
	ProviderGoogle ProviderType = "google"
	// ProviderMicrosoft is Microsoft 365 / Outlook (OAuth2 + Graph API).
	ProviderMicrosoft ProviderType = "microsoft"
	// ProviderCalDAV is a generic CalDAV endpoint, feed source only.
	ProviderCalDAV ProviderType = "caldav"
	// ProviderICS is a read-only ICS subscription URL.
	ProviderICS ProviderType = "ics"
)

// String returns the string representation of the provider type.
func (p ProviderType) String() string {
	return string(p)
}

// IsValid returns true if the provider type is recognized.
func (p ProviderType) IsValid() bool {
	switch p {
	case ProviderGoogle, ProviderMicrosoft, ProviderCalDAV, ProviderICS:
		return true
	default:
		return false
	}
}

// RequiresOAuth returns true if the provider authenticates with OAuth2
// refresh tokens.
func (p ProviderType) RequiresOAuth() bool {
	switch p {
	case ProviderGoogle, ProviderMicrosoft:
		return true
	default:
		return false
	}
}

// SupportsWrites returns true if mirrors may be written to this provider.
// CalDAV and ICS accounts are read-only feed sources.
func (p ProviderType) SupportsWrites() bool {
	switch p {
	case ProviderGoogle, ProviderMicrosoft:
		return true
	default:
		return false
	}
}

// SupportsWatch returns true if the provider offers webhook change
// notifications. Everyone else is polled.
func (p ProviderType) SupportsWatch() bool {
	switch p {
	case ProviderGoogle, ProviderMicrosoft:
		return true
	default:
		return false
	}
}

// DisplayName returns a human-readable name for the provider.
func (p ProviderType) DisplayName() string {
	switch p {
	case ProviderGoogle:
		return "Google Calendar"
	case ProviderMicrosoft:
		return "Microsoft Outlook"
	case ProviderCalDAV:
		return "CalDAV"
	case ProviderICS:
		return "ICS subscription"
	default:
		return string(p)
	}
}

// AllProviderTypes returns all supported provider types.
func AllProviderTypes() []ProviderType {
	return []ProviderType{
		ProviderGoogle,
		ProviderMicrosoft,
		ProviderCalDAV,
		ProviderICS,
	}
}
