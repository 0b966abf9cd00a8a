package telemetry

import (
	"encoding/json"
	"testing"
	"time"
)

var testTS = time.UnixMilli(1700000000123)

func marshal(t *testing.T, msg Message) string {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestGNSSWireFormat(t *testing.T) {
	msg := NewGNSS(35.68123456789, 139.76712345, 12.34, testTS)
	got := marshal(t, msg)
	want := `{"appId":"GNSS","ts":1700000000123,"data":{"lat":35.681235,"lon":139.767123,"acc":12.3}}`
	if got != want {
		t.Errorf("GNSS wire format:\n got  %s\n want %s", got, want)
	}
}

func TestTempWireFormat(t *testing.T) {
	msg := NewTemp(21.54321, testTS)
	got := marshal(t, msg)
	want := `{"appId":"TEMP","ts":1700000000123,"data":21.5}`
	if got != want {
		t.Errorf("TEMP wire format:\n got  %s\n want %s", got, want)
	}
}

func TestAlertWireFormat(t *testing.T) {
	msg := NewAlert(0, 0, "Button pressed", testTS)
	got := marshal(t, msg)
	want := `{"appId":"ALERT","ts":1700000000123,"data":{"type":0,"value":0,"description":"Button pressed"}}`
	if got != want {
		t.Errorf("ALERT wire format:\n got  %s\n want %s", got, want)
	}
}

func TestAlertWithoutDescription(t *testing.T) {
	msg := NewAlert(2, 7, "", testTS)
	got := marshal(t, msg)
	want := `{"appId":"ALERT","ts":1700000000123,"data":{"type":2,"value":7}}`
	if got != want {
		t.Errorf("ALERT wire format:\n got  %s\n want %s", got, want)
	}
}

func TestCountWireFormat(t *testing.T) {
	msg := NewCount(42, testTS)
	got := marshal(t, msg)
	want := `{"appId":"COUNT","ts":1700000000123,"data":42}`
	if got != want {
		t.Errorf("COUNT wire format:\n got  %s\n want %s", got, want)
	}
}

func TestModemResponseCarriesMessageType(t *testing.T) {
	msg := NewModemResponse("mfw_nrf91x1_2.0.2", testTS)
	got := marshal(t, msg)
	want := `{"appId":"MODEM","messageType":"DATA","ts":1700000000123,"data":"mfw_nrf91x1_2.0.2"}`
	if got != want {
		t.Errorf("MODEM wire format:\n got  %s\n want %s", got, want)
	}
}

func TestDeviceInfoShape(t *testing.T) {
	msg := NewDeviceInfo("1.2.3", map[string]any{"counterEnable": false, "locationInterval": 300}, testTS)
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}

	var parsed struct {
		AppID       string `json:"appId"`
		MessageType string `json:"messageType"`
		Data        struct {
			NetworkInfo struct {
				MCCMNC string `json:"mccmnc"`
				RSRP   int    `json:"rsrp"`
			} `json:"networkInfo"`
			SIMInfo struct {
				ICCID string `json:"iccid"`
			} `json:"simInfo"`
			AppVersion string         `json:"appVersion"`
			Config     map[string]any `json:"config"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatal(err)
	}
	if parsed.AppID != "DEVICE" || parsed.MessageType != "DATA" {
		t.Errorf("envelope = %s/%s", parsed.AppID, parsed.MessageType)
	}
	if parsed.Data.AppVersion != "1.2.3" {
		t.Errorf("appVersion = %q", parsed.Data.AppVersion)
	}
	if parsed.Data.NetworkInfo.RSRP != -85 {
		t.Errorf("rsrp = %d", parsed.Data.NetworkInfo.RSRP)
	}
	if _, ok := parsed.Data.Config["locationInterval"]; !ok {
		t.Error("shadow config missing from device info")
	}
}
