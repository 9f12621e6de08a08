// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"testing"
)

func TestWhatsappfmtParse(t *testing.T) {
	t.Parallel()
	result := whatsappfmtParse("Hello world")
	if result != "Hello world" {
		t.Errorf("whatsappfmtParse plain text: got %q, want %q", result, "Hello world")
	}
}

func TestWhatsappfmtParse_Formatted(t *testing.T) {
	t.Parallel()
	result := whatsappfmtParse("**bold** text")
	if result != "*bold* text" {
		t.Errorf("whatsappfmtParse bold: got %q, want %q", result, "*bold* text")
	}
}
