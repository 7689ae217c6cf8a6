package verification

import (
	"context"
	"fmt"

	"github.com/factually-labs/pipeline/pkg/domain"
)

// StubWebSearcher stands in for a real web-search collaborator (spec §1
// treats external content fetching as out-of-scope). It fails closed rather
// than fabricating context, matching extraction's stubBrowserFetcher.
type StubWebSearcher struct{}

func (StubWebSearcher) Search(_ context.Context, claim string) (string, error) {
	return "", domain.NewPipelineError("verification", domain.KindTransientUpstream,
		fmt.Errorf("web search not available for claim %q", claim))
}
