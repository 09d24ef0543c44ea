package core

import (
	"fmt"
	"strings"
)

// Variant identifies the compute class of a Colab runtime assignment.
// It is a property of the assignment itself, not merely a user
// preference: reusing an assignment requires verifying its variant.
type Variant string

const (
	VariantGPU     Variant = "GPU"
	VariantTPU     Variant = "TPU"
	VariantDefault Variant = "DEFAULT"
)

// ParseVariant converts a user-facing variant name into a Variant.
func ParseVariant(s string) (Variant, error) {
	switch strings.ToUpper(s) {
	case "GPU":
		return VariantGPU, nil
	case "TPU":
		return VariantTPU, nil
	case "CPU", "DEFAULT", "":
		return VariantDefault, nil
	default:
		return "", &ErrInvalidInput{Field: "variant", Message: fmt.Sprintf("unknown variant %q (expected gpu, tpu, or cpu)", s)}
	}
}

// VariantForAccelerator infers the variant implied by an accelerator
// name as reported by Colab ("T4", "A100", "TPU", "none", ...).
func VariantForAccelerator(accelerator string) Variant {
	switch strings.ToUpper(accelerator) {
	case "", "NONE", "CPU":
		return VariantDefault
	case "TPU", "TPU_V2", "TPU_V3", "V2-8", "V3-8":
		return VariantTPU
	default:
		return VariantGPU
	}
}

// RuntimeLabel derives the display label for an assignment from its
// actually-assigned variant and accelerator. The label written into a
// session record must never reflect only the requested variant.
func RuntimeLabel(variant Variant, accelerator string) string {
	switch variant {
	case VariantTPU:
		return "tpu"
	case VariantDefault:
		return "cpu"
	default:
		if accelerator == "" {
			return "gpu"
		}
		return "gpu-" + strings.ToLower(accelerator)
	}
}

// Tier is the user's Colab subscription tier, inferred from the GPU
// classes the account is eligible for.
type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

// MaxSessions returns the concurrent session cap for the tier.
func (t Tier) MaxSessions() int {
	if t == TierPro {
		return 5
	}
	return 1
}

// proGPUs are accelerator classes only offered to paid accounts.
var proGPUs = map[string]bool{
	"A100": true,
	"L4":   true,
	"V100": true,
}

// TierFromEligibleGPUs infers the subscription tier from the
// eligibleGpus field of a ccu-info response.
func TierFromEligibleGPUs(gpus []string) Tier {
	for _, g := range gpus {
		if proGPUs[strings.ToUpper(g)] {
			return TierPro
		}
	}
	return TierFree
}
