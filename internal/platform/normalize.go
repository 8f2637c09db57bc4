package platform

import "strings"

// familyMap maps distribution or family names reported by gopsutil to
// canonical family names.
var familyMap = map[string]string{
	"debian":      FamilyDebian,
	"ubuntu":      FamilyDebian,
	"linuxmint":   FamilyDebian,
	"pop":         FamilyDebian,
	"rhel":        FamilyRHEL,
	"centos":      FamilyRHEL,
	"rocky":       FamilyRHEL,
	"almalinux":   FamilyRHEL,
	"fedora":      FamilyFedora,
	"nobara":      FamilyFedora,
	"bazzite":     FamilyFedora,
	"suse":        FamilySUSE,
	"opensuse":    FamilySUSE,
	"arch":        FamilyArch,
	"manjaro":     FamilyArch,
	"endeavouros": FamilyArch,
	"steamos":     FamilyArch,
	"gentoo":      FamilyGentoo,
}

// normalizeArch converts GOARCH values to normalized architecture names.
// Unknown values are returned lowercased.
func normalizeArch(arch string) string {
	switch a := strings.ToLower(arch); a {
	case "amd64", "x86_64":
		return "amd64"
	case "arm64", "aarch64":
		return "arm64"
	default:
		return a
	}
}

// normalizePlatform converts platform IDs to lowercase for consistency.
func normalizePlatform(platform string) string {
	return strings.ToLower(strings.TrimSpace(platform))
}

// mapFamily maps a family string to its canonical name. The distro ID is
// consulted when gopsutil reports an empty or unknown family.
func mapFamily(family, platform string) string {
	if canonical, ok := familyMap[normalizePlatform(family)]; ok {
		return canonical
	}
	if canonical, ok := familyMap[normalizePlatform(platform)]; ok {
		return canonical
	}
	return FamilyUnknown
}
