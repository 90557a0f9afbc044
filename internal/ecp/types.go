package ecp

import (
	"encoding/xml"
	"strings"
)

// DeviceInfo describes a device as reported by /query/device-info.
type DeviceInfo struct {
	IP           string `json:"ip"`
	Name         string `json:"name,omitempty"`
	ModelName    string `json:"model_name,omitempty"`
	ModelNumber  string `json:"model_number,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	UDN          string `json:"udn,omitempty"`
}

// Model returns the best available model descriptor.
func (d DeviceInfo) Model() string {
	if d.ModelName != "" {
		return d.ModelName
	}
	return d.ModelNumber
}

// App is one installed application from /query/apps, or the currently
// running application from /query/active-app.
type App struct {
	ID      string `json:"id"`
	Type    string `json:"type,omitempty"`
	Version string `json:"version,omitempty"`
	Name    string `json:"name"`
}

// deviceInfoXML mirrors the subset of /query/device-info we care about.
type deviceInfoXML struct {
	XMLName            xml.Name `xml:"device-info"`
	UserDeviceName     string   `xml:"user-device-name"`
	FriendlyDeviceName string   `xml:"friendly-device-name"`
	ModelName          string   `xml:"model-name"`
	ModelNumber        string   `xml:"model-number"`
	SerialNumber       string   `xml:"serial-number"`
	UDN                string   `xml:"udn"`
}

func (x deviceInfoXML) toDeviceInfo(ip string) DeviceInfo {
	name := strings.TrimSpace(x.UserDeviceName)
	if name == "" {
		name = strings.TrimSpace(x.FriendlyDeviceName)
	}
	return DeviceInfo{
		IP:           ip,
		Name:         name,
		ModelName:    strings.TrimSpace(x.ModelName),
		ModelNumber:  strings.TrimSpace(x.ModelNumber),
		SerialNumber: strings.TrimSpace(x.SerialNumber),
		UDN:          strings.TrimSpace(x.UDN),
	}
}

type appXML struct {
	ID      string `xml:"id,attr"`
	Type    string `xml:"type,attr"`
	Version string `xml:"version,attr"`
	Name    string `xml:",chardata"`
}

type appsXML struct {
	XMLName xml.Name `xml:"apps"`
	Apps    []appXML `xml:"app"`
}

type activeAppXML struct {
	XMLName xml.Name `xml:"active-app"`
	App     *appXML  `xml:"app"`
}
