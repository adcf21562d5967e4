package keymanager

import "testing"

const testN = 1 << 10 // cheap cost for fast tests

func newTestKM(t *testing.T) *KeyManager {
	t.Helper()
	km, err := New("correct horse battery staple", nil, testN, 8, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return km
}

func TestGenerateDEK_EnablesEncryptDecrypt(t *testing.T) {
	km := newTestKM(t)
	if _, err := km.GenerateDEK(); err != nil {
		t.Fatal(err)
	}
	ct, err := km.Encrypt([]byte("phi value"))
	if err != nil {
		t.Fatal(err)
	}
	pt, err := km.Decrypt(ct)
	if err != nil {
		t.Fatal(err)
	}
	if string(pt) != "phi value" {
		t.Errorf("round trip mismatch: %q", pt)
	}
}

func TestEncrypt_GeneratesDEKLazily(t *testing.T) {
	km := newTestKM(t)
	if km.IsUnlocked() {
		t.Fatal("fresh KeyManager should not be unlocked")
	}
	if _, err := km.Encrypt([]byte("x")); err != nil {
		t.Fatal(err)
	}
	if !km.IsUnlocked() {
		t.Error("Encrypt should lazily generate a DEK")
	}
}

func TestLoadDEK_RoundTripsAcrossKeyManagers(t *testing.T) {
	km1, err := New("shared-secret", nil, testN, 8, 1)
	if err != nil {
		t.Fatal(err)
	}
	encDEK, err := km1.GenerateDEK()
	if err != nil {
		t.Fatal(err)
	}
	ct, err := km1.Encrypt([]byte("restored later"))
	if err != nil {
		t.Fatal(err)
	}

	km2, err := New("shared-secret", km1.Salt(), testN, 8, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := km2.LoadDEK(encDEK); err != nil {
		t.Fatal(err)
	}
	pt, err := km2.Decrypt(ct)
	if err != nil {
		t.Fatal(err)
	}
	if string(pt) != "restored later" {
		t.Errorf("round trip mismatch: %q", pt)
	}
}

func TestLoadDEK_WrongKeyMaterialFails(t *testing.T) {
	km1, _ := New("correct-material", nil, testN, 8, 1)
	encDEK, err := km1.GenerateDEK()
	if err != nil {
		t.Fatal(err)
	}

	km2, _ := New("wrong-material", km1.Salt(), testN, 8, 1)
	if err := km2.LoadDEK(encDEK); err == nil {
		t.Error("expected LoadDEK with wrong key material to fail")
	}
}

func TestLock_ClearsDEKButKeepsWrap(t *testing.T) {
	km := newTestKM(t)
	encDEK, err := km.GenerateDEK()
	if err != nil {
		t.Fatal(err)
	}
	km.Lock()
	if km.IsUnlocked() {
		t.Error("expected locked KeyManager to report not unlocked")
	}
	if _, err := km.Decrypt([]byte("anything")); err == nil {
		t.Error("expected Decrypt to fail while locked")
	}
	if err := km.LoadDEK(encDEK); err != nil {
		t.Fatalf("expected reload after lock to succeed: %v", err)
	}
}

func TestNeedsKDFUpgrade(t *testing.T) {
	km := newTestKM(t)
	if km.NeedsKDFUpgrade(testN) {
		t.Error("equal N should not need upgrade")
	}
	if !km.NeedsKDFUpgrade(testN - 1) {
		t.Error("current N greater than target should need upgrade")
	}
}

func TestUpgradeKDF_PreservesDataAccess(t *testing.T) {
	km, _ := New("material", nil, testN, 8, 1)
	if _, err := km.GenerateDEK(); err != nil {
		t.Fatal(err)
	}
	ct, err := km.Encrypt([]byte("still readable"))
	if err != nil {
		t.Fatal(err)
	}

	newSalt, newEncDEK, err := km.UpgradeKDF("material", testN/2, 8, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(newSalt) == 0 || len(newEncDEK) == 0 {
		t.Error("expected non-empty new salt and wrapped DEK")
	}

	pt, err := km.Decrypt(ct)
	if err != nil {
		t.Fatal(err)
	}
	if string(pt) != "still readable" {
		t.Errorf("data encrypted before upgrade should still decrypt: %q", pt)
	}
}

func TestUpgradeKDF_RequiresUnlockedDEK(t *testing.T) {
	km := newTestKM(t)
	if _, _, err := km.UpgradeKDF("material", testN/2, 8, 1); err == nil {
		t.Error("expected upgrade to fail without a loaded DEK")
	}
}

func TestDestroy_PreventsFurtherUse(t *testing.T) {
	km := newTestKM(t)
	if _, err := km.GenerateDEK(); err != nil {
		t.Fatal(err)
	}
	km.Destroy()
	if _, err := km.Encrypt([]byte("x")); err == nil {
		t.Error("expected Encrypt to fail after Destroy")
	}
}

func TestExportKeys(t *testing.T) {
	km := newTestKM(t)
	if _, err := km.GenerateDEK(); err != nil {
		t.Fatal(err)
	}
	salt, encDEK, err := km.ExportKeys()
	if err != nil {
		t.Fatal(err)
	}
	if salt == "" || encDEK == "" {
		t.Error("expected non-empty base64 salt and encrypted DEK")
	}
}

func TestExportKeys_BeforeGenerateDEKFails(t *testing.T) {
	km := newTestKM(t)
	if _, _, err := km.ExportKeys(); err == nil {
		t.Error("expected ExportKeys to fail before a DEK exists")
	}
}
