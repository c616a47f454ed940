// Package reporter publishes device status over MQTT.
//
// Messages are typed payloads serialized by Encode:
//
//	AMS/wifi           {"wifiStatus":"ON","connectedSSID":"office","timestamp":...}
//	AMS/bluetooth      {"bluetoothStatus":"ON","pairedDevicesCount":2,"timestamp":...}
//	AMS/brightness     {"screenBrightness":40,"timestamp":...}
//	AMS/device/status  all six fields
//	AMS/device/init    all six fields plus "isInitialStatus":true
//
// Inbound commands on AMS/brightness/control carry {"screenBrightness":0..100}.
//
// Each topic goes through its own throttle. Skipped reports are not queued;
// the next change, tick or Connected transition produces a fresh one.
package reporter
