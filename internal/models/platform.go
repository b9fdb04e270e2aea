package models

// Platform identifies the social network a credential belongs to
type Platform string

const (
	PlatformTikTok    Platform = "tiktok"
	PlatformInstagram Platform = "instagram"
	PlatformYouTube   Platform = "youtube"
)

// Platforms lists every platform the worker knows how to refresh
var Platforms = []Platform{PlatformTikTok, PlatformInstagram, PlatformYouTube}

// DisplayName returns the human readable platform name used in user-facing messages
func (p Platform) DisplayName() string {
	switch p {
	case PlatformTikTok:
		return "TikTok"
	case PlatformInstagram:
		return "Instagram"
	case PlatformYouTube:
		return "YouTube"
	default:
		return string(p)
	}
}
