package domain

// MergeResult carries the merged record and whether the incoming
// observation disagreed with the stored attribution.
type MergeResult struct {
	IOC              IOC
	AttributionDrift bool
}

// Merge folds an incoming observation into the stored record sharing its identity.
//
//   - last_seen takes the incoming value unless it is nil
//   - confidence never decreases
//   - tags are replaced only by a non-empty incoming set
//   - value, type, source, first_seen, artifact and ecosystem never change
//
// A different artifact/ecosystem on the incoming side is reported as drift
// but not applied.
func Merge(existing, incoming IOC) MergeResult {
	merged := existing

	if incoming.LastSeen != nil {
		ls := *incoming.LastSeen
		merged.LastSeen = &ls
	}

	if incoming.Confidence > merged.Confidence {
		merged.Confidence = incoming.Confidence
	}

	if len(incoming.Tags) > 0 {
		merged.Tags = append([]string(nil), incoming.Tags...)
	}

	drift := incoming.Artifact != existing.Artifact || incoming.Ecosystem != existing.Ecosystem

	return MergeResult{IOC: merged, AttributionDrift: drift}
}
