package httptransport

import "notify-relay/internal/platform/config"

func configCORS(origins ...string) config.CORSConfig {
	return config.CORSConfig{Origins: origins, Methods: []string{"GET"}}
}
