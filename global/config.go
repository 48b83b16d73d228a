package global

import (
	"ChatGateway/tools/ids"
)

// ConfigIds seeds the snowflake generator with this instance's node id.
func ConfigIds(nodeID int64) {
	ids.SetNodeID(nodeID)
}

func GetJwtSecret(cfg *AppConfig) []byte {
	return []byte(cfg.JWTSecret)
}
