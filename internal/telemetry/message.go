package telemetry

import (
	"math"
	"time"
)

// App IDs used on the device-to-cloud topic. The cloud routes messages by
// this discriminator.
const (
	AppIDGNSS   = "GNSS"
	AppIDTemp   = "TEMP"
	AppIDAlert  = "ALERT"
	AppIDCount  = "COUNT"
	AppIDDevice = "DEVICE"
	AppIDModem  = "MODEM"
	AppIDConfig = "CONFIG"
)

// Message is the d2c wire envelope. MessageType is only set for the
// DEVICE/MODEM informational messages; the sensor payloads are exactly
// {appId, ts, data}.
type Message struct {
	AppID       string `json:"appId"`
	MessageType string `json:"messageType,omitempty"`
	TS          int64  `json:"ts"`
	Data        any    `json:"data"`
}

// GNSSData is the position payload of a GNSS message.
type GNSSData struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
	Acc float64 `json:"acc"`
}

// AlertData is the payload of an ALERT message.
type AlertData struct {
	Type        int    `json:"type"`
	Value       int    `json:"value"`
	Description string `json:"description,omitempty"`
}

// DeviceInfoData mirrors what a real nRF9151 reports on connect.
type DeviceInfoData struct {
	NetworkInfo NetworkInfo    `json:"networkInfo"`
	SIMInfo     SIMInfo        `json:"simInfo"`
	AppVersion  string         `json:"appVersion"`
	Config      map[string]any `json:"config"`
}

// NetworkInfo is static fake cell-network detail for the DEVICE message.
type NetworkInfo struct {
	NetworkCode string `json:"networkCode"`
	AreaCode    string `json:"areaCode"`
	MCCMNC      string `json:"mccmnc"`
	IPAddress   string `json:"ipAddress"`
	CellID      string `json:"cellID"`
	RSRP        int    `json:"rsrp"`
}

// SIMInfo is static fake SIM detail for the DEVICE message.
type SIMInfo struct {
	ICCID string `json:"iccid"`
	IMSI  string `json:"imsi"`
}

func nowMS(t time.Time) int64 {
	return t.UnixMilli()
}

func round(v float64, decimals int) float64 {
	p := math.Pow10(decimals)
	return math.Round(v*p) / p
}

// NewGNSS builds a GNSS message. Coordinates are reported with six decimals
// and accuracy with one, like the modem firmware does.
func NewGNSS(lat, lon, acc float64, at time.Time) Message {
	return Message{
		AppID: AppIDGNSS,
		TS:    nowMS(at),
		Data: GNSSData{
			Lat: round(lat, 6),
			Lon: round(lon, 6),
			Acc: round(acc, 1),
		},
	}
}

// NewTemp builds a TEMP message with a single scalar payload in °C.
func NewTemp(celsius float64, at time.Time) Message {
	return Message{
		AppID: AppIDTemp,
		TS:    nowMS(at),
		Data:  round(celsius, 1),
	}
}

// NewAlert builds an ALERT message.
func NewAlert(alertType, value int, description string, at time.Time) Message {
	return Message{
		AppID: AppIDAlert,
		TS:    nowMS(at),
		Data: AlertData{
			Type:        alertType,
			Value:       value,
			Description: description,
		},
	}
}

// NewCount builds a COUNT message carrying the test counter value.
func NewCount(n int, at time.Time) Message {
	return Message{
		AppID: AppIDCount,
		TS:    nowMS(at),
		Data:  n,
	}
}

// NewDeviceInfo builds the DEVICE message sent once after connecting.
func NewDeviceInfo(appVersion string, shadow map[string]any, at time.Time) Message {
	return Message{
		AppID:       AppIDDevice,
		MessageType: "DATA",
		TS:          nowMS(at),
		Data: DeviceInfoData{
			NetworkInfo: NetworkInfo{
				NetworkCode: "10",
				AreaCode:    "1234",
				MCCMNC:      "44010",
				IPAddress:   "10.0.0.1",
				CellID:      "ABCD1234",
				RSRP:        -85,
			},
			SIMInfo: SIMInfo{
				ICCID: "8981100000000000000",
				IMSI:  "440100000000000",
			},
			AppVersion: appVersion,
			Config:     shadow,
		},
	}
}

// NewModemResponse builds a MODEM DATA message answering an AT command.
func NewModemResponse(response string, at time.Time) Message {
	return Message{
		AppID:       AppIDModem,
		MessageType: "DATA",
		TS:          nowMS(at),
		Data:        response,
	}
}
