// Package main runs the in-memory key directory and ciphertext relay used by
// cipherlink during development. It serves the HTTP API of
// internal/relay/server.
//
// HTTP API
//
//	POST   /register-device              register a device, returns its id
//	POST   /update-signed-prekey         replace the signed prekey
//	POST   /upload-prekeys               append one-time prekeys
//	GET    /prekey-count?deviceId=N      remaining one-time prekeys
//	GET    /devices/{username}           device list of a user
//	GET    /my-devices                   the caller's devices
//	DELETE /device/{deviceId}            unregister one of the caller's devices
//	GET    /prekey-bundle/{user}/{id}    one bundle; consumes a one-time prekey
//	GET    /prekey-bundles/{user}        a bundle for every device of a user
//	POST   /store-ciphertexts            upload a fan-out
//	GET    /get-ciphertext/{messageId}   the copy for ?deviceId=N
//	POST   /encryption/backup            store the encrypted identity backup
//	GET    /encryption/backup            backup metadata
//	GET    /encryption/restore           the encrypted backup
//	GET    /encryption/has-keys          {hasKeys, hasBackup}
//
// The caller is named by the X-Username and X-Device-Id headers. All state is
// held in memory and lost on exit. The relay never sees plaintext or private
// keys.
package main
