// Package commands defines the cipherlink CLI and wires dependencies for subcommands.
//
// Commands
//
//   - init           Create or load the identity and register this device
//   - devices        List devices of a user; `devices remove <id>` unregisters one
//   - send           Encrypt for every device of a peer and upload
//   - recv           Fetch and decrypt messages addressed to this device
//   - rotate         Rotate the signed prekey and top up one-time prekeys
//   - backup         Upload a password-encrypted identity backup
//   - restore        Install the identity from the backup on a new device
//   - fingerprint    Print your fingerprint or a peer's
//
// # Implementation
//
// The root command reads configuration through viper (file, CIPHERLINK_*
// environment, flags), builds the dependency graph once, and closes it after
// the subcommand so the decryption cache is flushed.
package commands
