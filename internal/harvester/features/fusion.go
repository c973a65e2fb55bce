package features

import "math"

// Fusion combines the normalized OFI and CVD signals into a single
// directional score plus a consistency measure describing how much the
// two inputs agree, so downstream decision logic can discount a strong
// score that isn't corroborated by both flow measures.
type Fusion struct {
	weightOFI float64
	weightCVD float64

	agreement   *rollingZScore // allocated by NewFusion; Update does not read it
	lastScore   float64
	lastConsist float64
}

// NewFusion creates a Fusion combiner. weightOFI and weightCVD must sum
// to 1; config validation enforces this before a Fusion is ever built.
func NewFusion(weightOFI, weightCVD float64, zWindow int) *Fusion {
	return &Fusion{weightOFI: weightOFI, weightCVD: weightCVD, agreement: newRollingZScore(zWindow)}
}

// Update combines one (zOFI, zCVD) pair and returns the fused score and
// the consistency of the two inputs. Consistency is always in [0,1]: 1
// when both signals point the same direction with comparable magnitude,
// 0.5 when one is flat (or both are, carrying no directional
// information), approaching 0 when they actively disagree with equal
// magnitude.
func (f *Fusion) Update(zOFI, zCVD float64) (score, consistency float64) {
	score = f.weightOFI*zOFI + f.weightCVD*zCVD

	magOFI := math.Abs(zOFI)
	magCVD := math.Abs(zCVD)
	agreement := 0.0
	if magOFI >= 1e-9 || magCVD >= 1e-9 {
		sameSign := (zOFI >= 0 && zCVD >= 0) || (zOFI <= 0 && zCVD <= 0)
		magRatio := 1 - math.Abs(magOFI-magCVD)/(magOFI+magCVD+1e-9)
		if sameSign {
			agreement = magRatio
		} else {
			agreement = -magRatio
		}
	}
	consistency = (1 + agreement) / 2

	f.lastScore = score
	f.lastConsist = consistency
	return score, consistency
}

// Last returns the most recently computed fusion score and consistency
// without recomputing, for callers that need to read state after a skip.
func (f *Fusion) Last() (score, consistency float64) {
	return f.lastScore, f.lastConsist
}
