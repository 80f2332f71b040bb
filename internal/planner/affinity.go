package planner

import "github.com/flatmapit/dicomsend/internal/registry"

// categoryAffinity lists additional transfer-syntax UIDs the planner
// should propose for a SOP class of the given category, beyond the
// on-disk syntax and the two universal fallbacks. Ordered by
// preference. Data-driven so it grows alongside the transfer-syntax
// registry rather than via call-site conditionals.
var categoryAffinity = map[registry.Category][]string{
	registry.CategoryWaveform: {
		"1.2.840.10008.1.2.5", // RLE Lossless
	},
	registry.CategoryVideo: {
		"1.2.840.10008.1.2.4.102", // MPEG-4 AVC/H.264 High Profile / Level 4.1
		"1.2.840.10008.1.2.4.107", // HEVC/H.265 Main Profile / Level 5.1
		"1.2.840.10008.1.2.4.100", // MPEG2 Main Profile / Main Level
	},
	registry.CategoryEndoscopy: {
		"1.2.840.10008.1.2.4.102",
		"1.2.840.10008.1.2.4.100",
	},
	registry.CategoryCT: {
		"1.2.840.10008.1.2.4.70", // JPEG Lossless, First-Order Prediction
		"1.2.840.10008.1.2.4.90", // JPEG 2000 Lossless
	},
	registry.CategoryEnhancedCT: {
		"1.2.840.10008.1.2.4.70",
		"1.2.840.10008.1.2.4.90",
	},
	registry.CategoryMR: {
		"1.2.840.10008.1.2.4.70",
		"1.2.840.10008.1.2.4.90",
	},
	registry.CategoryEnhancedMR: {
		"1.2.840.10008.1.2.4.70",
		"1.2.840.10008.1.2.4.90",
	},
}

// affinityCandidates returns the category-aligned transfer syntax UIDs
// for category, or nil if the category has no special affinity.
func affinityCandidates(category registry.Category) []string {
	return categoryAffinity[category]
}
