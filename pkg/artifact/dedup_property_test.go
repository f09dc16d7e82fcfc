package artifact_test

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/aretw0/orchestra/pkg/adapters/memory"
	"github.com/aretw0/orchestra/pkg/artifact"
	"github.com/aretw0/orchestra/pkg/domain"
)

func TestDeduplicationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("storing a payload k times keeps one copy with k refs", prop.ForAll(
		func(payload []byte, k int) bool {
			hot := memory.NewBlobStore()
			s := artifact.New(artifact.WithTier(domain.TierHot, hot))
			ctx := context.Background()

			var first domain.ArtifactID
			for i := 0; i < k; i++ {
				id, err := s.Store(ctx, payload, domain.ArtifactMeta{})
				if err != nil {
					return false
				}
				if i == 0 {
					first = id
				} else if id != first {
					return false
				}
			}

			a, err := s.Stat(first)
			if err != nil {
				return false
			}
			got, err := s.Retrieve(ctx, first)
			if err != nil || string(got) != string(payload) {
				return false
			}
			return a.Refs == int64(k) && hot.Len() == 1
		},
		gen.SliceOf(gen.UInt8()),
		gen.IntRange(1, 10),
	))

	properties.Property("distinct payloads get distinct IDs", prop.ForAll(
		func(a, b string) bool {
			if a == b {
				return true
			}
			return artifact.HashOf([]byte(a)) != artifact.HashOf([]byte(b))
		},
		gen.AnyString(),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
