package relay

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"cipherlink/internal/domain"
)

// RegisterDevice uploads the public half of a new registration and returns
// the server-assigned device id.
func (c *Client) RegisterDevice(ctx context.Context, upload domain.DeviceUpload) (domain.DeviceID, error) {
	var resp RegisterDeviceResponse
	if err := c.do(ctx, http.MethodPost, "/register-device", upload, &resp); err != nil {
		return 0, &domain.RegistrationError{Op: "register device", Err: err}
	}
	if !resp.Success || resp.DeviceID == 0 {
		return 0, &domain.RegistrationError{Op: "register device", Err: errors.New("server did not assign a device id")}
	}
	return resp.DeviceID, nil
}

// UpdateSignedPreKey publishes a rotated signed prekey.
func (c *Client) UpdateSignedPreKey(ctx context.Context, deviceID domain.DeviceID, key domain.SignedPreKeyPublic) error {
	return c.do(ctx, http.MethodPost, "/update-signed-prekey", UpdateSignedPreKeyRequest{DeviceID: deviceID, SignedPreKey: key}, nil)
}

// UploadPreKeys publishes additional one-time prekeys.
func (c *Client) UploadPreKeys(ctx context.Context, deviceID domain.DeviceID, keys []domain.PreKeyPublic) error {
	return c.do(ctx, http.MethodPost, "/upload-prekeys", UploadPreKeysRequest{DeviceID: deviceID, PreKeys: keys}, nil)
}

// PreKeyCount returns how many one-time prekeys the server still holds for deviceID.
func (c *Client) PreKeyCount(ctx context.Context, deviceID domain.DeviceID) (int, error) {
	var resp PreKeyCountResponse
	path := "/prekey-count?deviceId=" + deviceID.String()
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// Devices lists the registered devices of username.
func (c *Client) Devices(ctx context.Context, username domain.Username) ([]domain.DeviceInfo, error) {
	var out []domain.DeviceInfo
	if err := c.do(ctx, http.MethodGet, "/devices/"+url.PathEscape(string(username)), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MyDevices lists the caller's own devices.
func (c *Client) MyDevices(ctx context.Context) ([]domain.DeviceInfo, error) {
	var out []domain.DeviceInfo
	if err := c.do(ctx, http.MethodGet, "/my-devices", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteDevice unregisters one of the caller's devices.
func (c *Client) DeleteDevice(ctx context.Context, deviceID domain.DeviceID) error {
	return c.do(ctx, http.MethodDelete, "/device/"+deviceID.String(), nil, nil)
}

// PreKeyBundle fetches the bundle of one device. The server hands out a
// one-time prekey with it, if any remain.
func (c *Client) PreKeyBundle(ctx context.Context, username domain.Username, deviceID domain.DeviceID) (domain.PreKeyBundle, error) {
	var out domain.PreKeyBundle
	path := "/prekey-bundle/" + url.PathEscape(string(username)) + "/" + deviceID.String()
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.PreKeyBundle{}, &domain.NoPreKeyBundleError{Address: domain.NewAddress(username, deviceID), Err: err}
		}
		return domain.PreKeyBundle{}, err
	}
	return out, nil
}

// PreKeyBundles fetches bundles for every device of username.
func (c *Client) PreKeyBundles(ctx context.Context, username domain.Username) ([]domain.PreKeyBundle, error) {
	var out []domain.PreKeyBundle
	if err := c.do(ctx, http.MethodGet, "/prekey-bundles/"+url.PathEscape(string(username)), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StoreCiphertexts uploads a fan-out.
func (c *Client) StoreCiphertexts(ctx context.Context, req domain.StoreCiphertextsRequest) error {
	return c.do(ctx, http.MethodPost, "/store-ciphertexts", req, nil)
}

// Ciphertext fetches the envelope of messageID addressed to deviceID. A 404
// becomes a *domain.MissingCiphertextError.
func (c *Client) Ciphertext(ctx context.Context, messageID string, deviceID domain.DeviceID) (domain.DeviceCiphertext, error) {
	var out domain.DeviceCiphertext
	q := url.Values{"deviceId": []string{strconv.FormatUint(uint64(deviceID), 10)}}
	path := "/get-ciphertext/" + url.PathEscape(messageID) + "?" + q.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.DeviceCiphertext{}, &domain.MissingCiphertextError{MessageID: messageID, DeviceID: deviceID}
		}
		return domain.DeviceCiphertext{}, err
	}
	return out, nil
}

// UploadBackup stores the encrypted identity backup.
func (c *Client) UploadBackup(ctx context.Context, blob domain.BackupBlob) error {
	return c.do(ctx, http.MethodPost, "/encryption/backup", blob, nil)
}

// DownloadBackup fetches the encrypted identity backup.
func (c *Client) DownloadBackup(ctx context.Context) (domain.BackupBlob, error) {
	var out domain.BackupBlob
	if err := c.do(ctx, http.MethodGet, "/encryption/restore", nil, &out); err != nil {
		return domain.BackupBlob{}, err
	}
	return out, nil
}

// BackupInfo reports whether a backup exists and when it was written.
func (c *Client) BackupInfo(ctx context.Context) (domain.BackupInfo, error) {
	var out domain.BackupInfo
	if err := c.do(ctx, http.MethodGet, "/encryption/backup", nil, &out); err != nil {
		return domain.BackupInfo{}, err
	}
	return out, nil
}

// KeyStatus reports whether the server knows keys and a backup for the caller.
func (c *Client) KeyStatus(ctx context.Context) (domain.KeyStatus, error) {
	var out domain.KeyStatus
	if err := c.do(ctx, http.MethodGet, "/encryption/has-keys", nil, &out); err != nil {
		return domain.KeyStatus{}, err
	}
	return out, nil
}
