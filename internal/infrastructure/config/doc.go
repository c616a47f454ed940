// Package config handles loading and validating the AMS agent configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - The private key path should point at a file readable only by the agent
//   - The InfluxDB token should be set via AMS_INFLUXDB_TOKEN
//
// Usage:
//
//	cfg, err := config.Load("configs/ams-agent.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.BrokerAddress())
package config
