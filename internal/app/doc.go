// Package app wires application dependencies for the CLI.
//
// It reads Config through viper, opens the configured storage tiers, and
// builds the relay client and high-level services, exposing them via the
// Wire struct. Client adds the init sequence: backup state, device
// registration, then the decryption cache of the registered device.
package app
