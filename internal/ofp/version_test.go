package ofp

import "testing"

// TestNegotiateVersion exercises spec.md §8 property 3 and scenarios S1/S2.
func TestNegotiateVersion(t *testing.T) {
	for _, tc := range []struct {
		name        string
		local       Version
		localBitmap VersionBitmap
		peerHeader  Version
		peerBitmap  *VersionBitmap
		wantVersion Version
		wantOK      bool
	}{
		{
			name:        "exact header match skips bitmap",
			local:       Version13,
			localBitmap: NewVersionBitmap(Version13),
			peerHeader:  Version13,
			peerBitmap:  nil,
			wantVersion: Version13,
			wantOK:      true,
		},
		{
			name:        "S1: peer bitmap has common version",
			local:       Version13,
			localBitmap: NewVersionBitmap(Version13),
			peerHeader:  Version14,
			peerBitmap: func() *VersionBitmap {
				vb := NewVersionBitmap(Version10, Version13)
				return &vb
			}(),
			wantVersion: Version13,
			wantOK:      true,
		},
		{
			name:        "S2: no common version fails",
			local:       Version13,
			localBitmap: NewVersionBitmap(Version13),
			peerHeader:  Version14,
			peerBitmap: func() *VersionBitmap {
				vb := NewVersionBitmap(Version14)
				return &vb
			}(),
			wantVersion: VersionUnknown,
			wantOK:      false,
		},
		{
			name:        "no bitmap and header mismatch fails",
			local:       Version13,
			localBitmap: NewVersionBitmap(Version13),
			peerHeader:  Version14,
			peerBitmap:  nil,
			wantVersion: VersionUnknown,
			wantOK:      false,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := NegotiateVersion(tc.local, tc.localBitmap, tc.peerHeader, tc.peerBitmap)
			if ok != tc.wantOK || got != tc.wantVersion {
				t.Fatalf("NegotiateVersion() = (%v, %v), want (%v, %v)", got, ok, tc.wantVersion, tc.wantOK)
			}
		})
	}
}

func TestVersionBitmapRoundTrip(t *testing.T) {
	vb := NewVersionBitmap(Version10, Version13, Version15)
	elem := EncodeVersionBitmapElement(vb)
	got := DecodeVersionBitmapElement(elem[4:])
	for v := range vb.Versions {
		if !got.Versions[v] {
			t.Errorf("decoded bitmap missing version %v", v)
		}
	}
	if len(got.Versions) != len(vb.Versions) {
		t.Errorf("decoded bitmap has %d versions, want %d", len(got.Versions), len(vb.Versions))
	}
}

func TestRoleRequestRoundTrip(t *testing.T) {
	want := RoleRequest{Role: RoleMaster, GenerationID: 0x1122334455667788}
	body := EncodeRoleReply(want)
	got, ok := DecodeRoleRequest(body)
	if !ok {
		t.Fatalf("DecodeRoleRequest: ok = false, want true")
	}
	if got != want {
		t.Fatalf("DecodeRoleRequest() = %+v, want %+v", got, want)
	}
}

func TestDecodeRoleRequestShortBody(t *testing.T) {
	if _, ok := DecodeRoleRequest(make([]byte, RoleRequestLen-1)); ok {
		t.Fatalf("DecodeRoleRequest: ok = true for short body, want false")
	}
}

func TestCheckRole(t *testing.T) {
	for _, tc := range []struct {
		role Role
		typ  Type
		want bool
	}{
		{RoleSlave, TypeFlowMod, false},
		{RoleSlave, TypeEchoRequest, true},
		{RoleSlave, TypePacketIn, true},
		{RoleMaster, TypeFlowMod, true},
		{RoleEqual, TypeGroupMod, true},
	} {
		if got := CheckRole(tc.role, tc.typ); got != tc.want {
			t.Errorf("CheckRole(%v, %v) = %v, want %v", tc.role, tc.typ, got, tc.want)
		}
	}
}
