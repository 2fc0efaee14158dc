package model

type (
	// ResolvedIdentity is the display form of a wallet address. Once
	// produced by any resolution path it stays cached for the rest of the
	// process lifetime.
	ResolvedIdentity struct {
		Address      string `json:"address"`
		DisplayLabel string `json:"display_label"`
		AvatarURL    string `json:"avatar_url,omitempty"`

		// PlatformID is the external numeric id used for push routing.
		// Zero means unknown.
		PlatformID int64 `json:"platform_id,omitempty"`
	}
)

// HasPlatformID reports whether the identity can be push-routed.
func (r ResolvedIdentity) HasPlatformID() bool {
	return r.PlatformID != 0
}
