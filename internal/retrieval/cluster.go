package retrieval

import (
	"sort"

	"github.com/iago/research-agent/internal/domain"
)

const supportingPerCluster = 2

// Cluster is one synthesis unit: the chunks of a single source document plus
// the best chunks from other domains as corroborating evidence.
type Cluster struct {
	Domain     string
	SourceURL  string
	Chunks     []domain.Chunk
	Supporting []domain.Chunk
	MaxScore   float64
}

// Evidence returns the primary chunks followed by the supporting ones.
func (c Cluster) Evidence() []domain.Chunk {
	evidence := make([]domain.Chunk, 0, len(c.Chunks)+len(c.Supporting))
	evidence = append(evidence, c.Chunks...)
	return append(evidence, c.Supporting...)
}

type domainGroup struct {
	domain   string
	maxScore float64
	sources  []*sourceGroup
}

type sourceGroup struct {
	url      string
	maxScore float64
	chunks   []domain.Chunk
}

// ClusterByDomain groups ranked chunks by domain and, within each domain, by
// source document. Domains are ordered by their best chunk score, ties by
// first appearance; each domain contributes at most maxPerDomain clusters.
// The output depends only on the order and scores of ranked.
func ClusterByDomain(ranked []domain.Chunk, maxPerDomain int) []Cluster {
	if maxPerDomain <= 0 {
		maxPerDomain = 2
	}

	var (
		groups []*domainGroup
		byName = make(map[string]*domainGroup)
	)
	for _, chunk := range ranked {
		group, ok := byName[chunk.Domain]
		if !ok {
			group = &domainGroup{domain: chunk.Domain, maxScore: chunk.Score}
			byName[chunk.Domain] = group
			groups = append(groups, group)
		}
		if chunk.Score > group.maxScore {
			group.maxScore = chunk.Score
		}
		group.add(chunk)
	}

	sortStable(groups)

	var clusters []Cluster
	for _, group := range groups {
		sources := group.sources
		if len(sources) > maxPerDomain {
			sources = sources[:maxPerDomain]
		}
		for _, source := range sources {
			clusters = append(clusters, Cluster{
				Domain:     group.domain,
				SourceURL:  source.url,
				Chunks:     source.chunks,
				Supporting: supporting(groups, group.domain),
				MaxScore:   source.maxScore,
			})
		}
	}
	return clusters
}

// Domains lists the distinct cluster domains in cluster order.
func Domains(clusters []Cluster) []string {
	seen := make(map[string]struct{}, len(clusters))
	var domains []string
	for _, cluster := range clusters {
		if _, ok := seen[cluster.Domain]; ok {
			continue
		}
		seen[cluster.Domain] = struct{}{}
		domains = append(domains, cluster.Domain)
	}
	return domains
}

func (g *domainGroup) add(chunk domain.Chunk) {
	for _, source := range g.sources {
		if source.url == chunk.SourceURL {
			source.chunks = append(source.chunks, chunk)
			if chunk.Score > source.maxScore {
				source.maxScore = chunk.Score
			}
			return
		}
	}
	g.sources = append(g.sources, &sourceGroup{
		url:      chunk.SourceURL,
		maxScore: chunk.Score,
		chunks:   []domain.Chunk{chunk},
	})
}

// supporting picks the top chunk of each of the next best domains other
// than exclude.
func supporting(groups []*domainGroup, exclude string) []domain.Chunk {
	var out []domain.Chunk
	for _, group := range groups {
		if len(out) >= supportingPerCluster {
			break
		}
		if group.domain == exclude || len(group.sources) == 0 {
			continue
		}
		out = append(out, group.sources[0].chunks[0])
	}
	return out
}

func sortStable(groups []*domainGroup) {
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].maxScore > groups[j].maxScore
	})
	for _, group := range groups {
		sources := group.sources
		sort.SliceStable(sources, func(i, j int) bool {
			return sources[i].maxScore > sources[j].maxScore
		})
	}
}
