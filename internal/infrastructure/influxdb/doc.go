// Package influxdb writes device signal and connection telemetry to InfluxDB v2.
//
// It wraps the official influxdb-client-go v2 non-blocking write API. Every
// point carries a device_id tag. Two measurements are written:
//   - device_signals: wifi_enabled, ssid, bluetooth_enabled, paired_devices,
//     brightness, network_available, has_internet
//   - mqtt_connection: connected, attempt, delay_ms, tagged with state
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB, cfg.Device.ID)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	client.SetOnError(func(err error) { log.Warn("influx write", "error", err) })
//	go client.Run(ctx, events, changes)
//
// Writes are batched according to batch_size and flush_interval. A failed
// batch is reported through the error callback; the agent does not retry it.
package influxdb
