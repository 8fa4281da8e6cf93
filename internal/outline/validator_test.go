package outline

import (
	"testing"

	"github.com/stretchr/testify/require"

	"meridian/internal/mission"
)

func sec(title string, strategy mission.SectionStrategy, subs ...mission.ReportSection) mission.ReportSection {
	return mission.ReportSection{
		Title:       title,
		Description: "Covers " + title + " in detail for the report.",
		Strategy:    strategy,
		Subsections: subs,
	}
}

func TestValidateFixesStrategies(t *testing.T) {
	o := []mission.ReportSection{
		sec("Introduction", mission.StrategyResearchBased),
		sec("Hardware Platforms", mission.StrategyContentBased),
		sec("Applications", mission.StrategyResearchBased,
			sec("Cryptography", mission.StrategyContentBased),
		),
		sec("Conclusion", mission.StrategyResearchBased),
	}
	out, rep := Validate(o, 2)
	require.NotEmpty(t, rep.Corrections)

	require.Equal(t, mission.StrategyContentBased, out[0].Strategy)
	require.Equal(t, mission.StrategyResearchBased, out[1].Strategy)
	require.Equal(t, mission.StrategySynthesize, out[2].Strategy)
	require.Equal(t, mission.StrategyResearchBased, out[2].Subsections[0].Strategy)
	require.Equal(t, mission.StrategyContentBased, out[3].Strategy)
}

func TestValidateFlattensBeyondMaxDepth(t *testing.T) {
	o := []mission.ReportSection{
		sec("Topic", mission.StrategySynthesize,
			sec("Sub", mission.StrategySynthesize,
				sec("SubSub", mission.StrategyResearchBased),
			),
		),
	}
	out, _ := Validate(o, 2)
	require.Equal(t, 2, mission.OutlineDepth(out))
	require.Empty(t, out[0].Subsections[0].Subsections)
}

func TestValidateMergesDuplicateSiblings(t *testing.T) {
	o := []mission.ReportSection{
		sec("Methods", mission.StrategyResearchBased),
		sec("  methods ", mission.StrategyResearchBased),
		sec("Results", mission.StrategyResearchBased),
	}
	out, rep := Validate(o, 2)
	require.Len(t, out, 2)
	require.Contains(t, rep.Corrections[0], "merged duplicate")
}

func TestValidateEnsuresResearchBased(t *testing.T) {
	o := []mission.ReportSection{
		sec("Introduction", mission.StrategyContentBased),
		sec("Conclusion", mission.StrategyContentBased),
	}
	out, _ := Validate(o, 2)
	found := false
	mission.WalkOutline(out, func(s *mission.ReportSection, _ int, _ *mission.ReportSection) bool {
		if s.Strategy == mission.StrategyResearchBased {
			found = true
			return false
		}
		return true
	})
	require.True(t, found)
}

func TestValidateAssignsUniqueStableIDs(t *testing.T) {
	o := []mission.ReportSection{
		sec("Quantum Hardware", mission.StrategyResearchBased),
		{Title: "Quantum Hardware", Description: "A different angle on the same systems and devices.", Strategy: mission.StrategyResearchBased, Subsections: []mission.ReportSection{
			sec("Qubits", mission.StrategyResearchBased),
		}},
	}
	// Distinct descriptions but merged titles: after merge only one remains.
	out, _ := Validate(o, 2)
	ids := map[string]bool{}
	mission.WalkOutline(out, func(s *mission.ReportSection, _ int, _ *mission.ReportSection) bool {
		require.NotEmpty(t, s.ID)
		require.False(t, ids[s.ID], "duplicate id %s", s.ID)
		ids[s.ID] = true
		return true
	})
}

func TestValidateIdempotent(t *testing.T) {
	o := []mission.ReportSection{
		sec("Introduction", mission.StrategyResearchBased),
		sec("Deep Topic", mission.StrategyContentBased,
			sec("Detail A", mission.StrategyContentBased),
			sec("Detail B", mission.StrategySynthesize),
		),
	}
	once, _ := Validate(o, 2)
	twice, rep := Validate(once, 2)
	require.Empty(t, rep.Corrections)
	require.Equal(t, once, twice)
}

func TestSlugify(t *testing.T) {
	require.Equal(t, "quantum-computing-101", Slugify("Quantum Computing 101!"))
	require.Equal(t, "section", Slugify("???"))
}
