// Package icon holds the embedded tray icon assets.
package icon

// Logo is the idle tray icon.
var Logo = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x16, 0x00, 0x00, 0x00, 0x16,
	0x08, 0x06, 0x00, 0x00, 0x00, 0xc4, 0xb4, 0x6c, 0x3b, 0x00, 0x00, 0x00,
	0x59, 0x49, 0x44, 0x41, 0x54, 0x78, 0xda, 0x63, 0x60, 0x18, 0x05, 0x83,
	0x0e, 0x68, 0x68, 0x68, 0xfc, 0xc7, 0xc7, 0x27, 0xdb, 0x50, 0x6c, 0x06,
	0x53, 0x64, 0x38, 0xcc, 0x00, 0x5c, 0x86, 0x90, 0x65, 0x38, 0xb2, 0xa1,
	0xc8, 0x06, 0xa0, 0xb3, 0x09, 0x1a, 0x8e, 0x6e, 0x10, 0x3e, 0x83, 0x71,
	0x59, 0x44, 0x91, 0xc1, 0xd8, 0x5c, 0x3d, 0x34, 0x0c, 0x86, 0x89, 0x11,
	0x0c, 0xe7, 0x01, 0x77, 0x31, 0xcd, 0x22, 0x8f, 0xe4, 0xe4, 0x46, 0x6c,
	0x3a, 0xa6, 0x4a, 0xd6, 0x26, 0x26, 0xf2, 0xa8, 0x5e, 0x56, 0xd0, 0xa4,
	0x74, 0x1b, 0x05, 0x04, 0x01, 0x00, 0x55, 0x93, 0x9b, 0x47, 0xc3, 0xe3,
	0xfa, 0xf6, 0x00, 0x00, 0x00, 0x00, 0x49, 0x45, 0x4e, 0x44, 0xae, 0x42,
	0x60, 0x82,
}

// LogoActive is the tray icon shown while routing is active.
var LogoActive = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x16, 0x00, 0x00, 0x00, 0x16,
	0x08, 0x06, 0x00, 0x00, 0x00, 0xc4, 0xb4, 0x6c, 0x3b, 0x00, 0x00, 0x00,
	0x58, 0x49, 0x44, 0x41, 0x54, 0x78, 0xda, 0x63, 0x60, 0x18, 0x05, 0x83,
	0x0f, 0x4c, 0xb3, 0xf9, 0x8f, 0x97, 0x4f, 0xb6, 0xa1, 0xd8, 0x0c, 0xa6,
	0xc8, 0x70, 0x98, 0x01, 0xb8, 0x0c, 0x21, 0xcb, 0x70, 0x64, 0x43, 0x91,
	0x0d, 0x40, 0x67, 0x13, 0x34, 0x1c, 0xdd, 0x20, 0x7c, 0x06, 0xe3, 0xb2,
	0x88, 0x22, 0x83, 0xb1, 0xb9, 0x7a, 0x68, 0x18, 0x0c, 0x13, 0x23, 0x18,
	0xce, 0x03, 0xee, 0x62, 0x9a, 0x45, 0x1e, 0xc9, 0xc9, 0x8d, 0xd8, 0x74,
	0x4c, 0x95, 0xac, 0x4d, 0x4c, 0xe4, 0x51, 0xbd, 0xac, 0xa0, 0x49, 0xe9,
	0x36, 0x0a, 0x08, 0x01, 0x00, 0x8c, 0x5a, 0xc0, 0x8b, 0x30, 0x32, 0x48,
	0xf5, 0x00, 0x00, 0x00, 0x00, 0x49, 0x45, 0x4e, 0x44, 0xae, 0x42, 0x60,
	0x82,
}
