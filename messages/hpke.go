package messages

// HPKE algorithm identifiers (RFC 9180 registry values). Unknown identifiers
// decode and round-trip as their raw code so the codec stays
// forward-compatible even when the primitive itself is not supported.

type HpkeKemID uint16

const (
	KemP256HkdfSha256   HpkeKemID = 0x0010
	KemX25519HkdfSha256 HpkeKemID = 0x0020
)

func (id HpkeKemID) Supported() bool {
	return id == KemX25519HkdfSha256
}

type HpkeKdfID uint16

const KdfHkdfSha256 HpkeKdfID = 0x0001

func (id HpkeKdfID) Supported() bool {
	return id == KdfHkdfSha256
}

type HpkeAeadID uint16

const (
	AeadAes128Gcm        HpkeAeadID = 0x0001
	AeadChaCha20Poly1305 HpkeAeadID = 0x0003
)

func (id HpkeAeadID) Supported() bool {
	return id == AeadAes128Gcm || id == AeadChaCha20Poly1305
}

// HpkeConfig advertises a receiver's HPKE key configuration.
type HpkeConfig struct {
	ID        uint8
	KemID     HpkeKemID
	KdfID     HpkeKdfID
	AeadID    HpkeAeadID
	PublicKey []byte
}

// Supported reports whether every algorithm in the config is implemented.
func (c *HpkeConfig) Supported() bool {
	return c.KemID.Supported() && c.KdfID.Supported() && c.AeadID.Supported()
}

func appendHpkeConfig(dst []byte, cfg *HpkeConfig) ([]byte, error) {
	dst = append(dst, cfg.ID)
	dst = appendU16(dst, uint16(cfg.KemID))
	dst = appendU16(dst, uint16(cfg.KdfID))
	dst = appendU16(dst, uint16(cfg.AeadID))
	return appendU16Bytes(dst, cfg.PublicKey)
}

func (cfg *HpkeConfig) Encode() ([]byte, error) {
	return appendHpkeConfig(nil, cfg)
}

func (c *cursor) readHpkeConfig() (HpkeConfig, error) {
	id, err := c.readU8()
	if err != nil {
		return HpkeConfig{}, err
	}
	kem, err := c.readU16()
	if err != nil {
		return HpkeConfig{}, err
	}
	kdf, err := c.readU16()
	if err != nil {
		return HpkeConfig{}, err
	}
	aead, err := c.readU16()
	if err != nil {
		return HpkeConfig{}, err
	}
	pk, err := c.readU16Bytes()
	if err != nil {
		return HpkeConfig{}, err
	}
	return HpkeConfig{
		ID:        id,
		KemID:     HpkeKemID(kem),
		KdfID:     HpkeKdfID(kdf),
		AeadID:    HpkeAeadID(aead),
		PublicKey: pk,
	}, nil
}

func DecodeHpkeConfig(b []byte) (*HpkeConfig, error) {
	c := newCursor(b)
	cfg, err := c.readHpkeConfig()
	if err != nil {
		return nil, err
	}
	if err := c.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// HpkeConfigList is the response body of the hpke_config endpoint.
type HpkeConfigList struct {
	Configs []HpkeConfig
}

func (l *HpkeConfigList) Encode() ([]byte, error) {
	var items []byte
	for i := range l.Configs {
		var err error
		items, err = appendHpkeConfig(items, &l.Configs[i])
		if err != nil {
			return nil, err
		}
	}
	return appendU16Items(nil, items)
}

func DecodeHpkeConfigList(b []byte) (*HpkeConfigList, error) {
	c := newCursor(b)
	n, err := c.readU16()
	if err != nil {
		return nil, err
	}
	sub, err := c.sub(int(n))
	if err != nil {
		return nil, err
	}
	var l HpkeConfigList
	for sub.remaining() > 0 {
		cfg, err := sub.readHpkeConfig()
		if err != nil {
			return nil, err
		}
		l.Configs = append(l.Configs, cfg)
	}
	if err := c.finish(); err != nil {
		return nil, err
	}
	return &l, nil
}
