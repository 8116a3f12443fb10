package mqtt

import "github.com/nugget/pihole-presence/internal/buildinfo"

// BridgeInfo holds the Home Assistant device registry fields shared
// across all discovery payloads published by this bridge instance.
// Every device_tracker entity references the same device block so HA
// groups them under a single device page.
type BridgeInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// DeviceTrackerConfig is the JSON payload for an HA MQTT device_tracker
// discovery message. It is published (retained) to the discovery topic
// when a device first appears and on every broker (re-)connect.
//
// See https://www.home-assistant.io/integrations/device_tracker.mqtt/
type DeviceTrackerConfig struct {
	Name                string     `json:"name"`
	UniqueID            string     `json:"unique_id"`
	ObjectID            string     `json:"object_id,omitempty"`
	StateTopic          string     `json:"state_topic"`
	JSONAttributesTopic string     `json:"json_attributes_topic,omitempty"`
	AvailabilityTopic   string     `json:"availability_topic,omitempty"`
	PayloadHome         string     `json:"payload_home,omitempty"`
	PayloadNotHome      string     `json:"payload_not_home,omitempty"`
	SourceType          string     `json:"source_type,omitempty"`
	Icon                string     `json:"icon,omitempty"`
	Device              BridgeInfo `json:"device"`
}

// NewBridgeInfo creates a BridgeInfo from the persistent instance ID
// and the human-readable device name. The instance ID is used as the
// primary HA device identifier (stable across renames); the device
// name appears in the HA UI.
func NewBridgeInfo(instanceID, deviceName string) BridgeInfo {
	return BridgeInfo{
		Identifiers:  []string{instanceID},
		Name:         deviceName,
		Manufacturer: "Hollow Oak",
		Model:        "Pi-hole Presence Bridge",
		SWVersion:    buildinfo.Version,
	}
}
