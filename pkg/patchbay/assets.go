package patchbay

import _ "embed"

// PatchbayLogoIconData is the tray icon
//
//go:embed assets/logo.png
var PatchbayLogoIconData []byte
