package geo

// Point is one input to DBSCAN: an opaque ID plus coordinates. ID is used
// only for identity (original_source/src/services/locate/dbscan/point.rs
// hashes/compares Point solely by id, never by coordinates).
type Point struct {
	ID       int
	Lat, Lon float64
}

// ClusterResult is the output of DBSCAN: zero or more clusters (each with at
// least one point) plus a noise set.
type ClusterResult struct {
	Clusters [][]Point
	Noise    []Point
}

// DBSCAN clusters points using Haversine distance with neighbourhood radius
// epsilonMeters and the given minPts. Iteration is in input (insertion)
// order and cluster ids are assigned by first-seen, matching spec.md §4.4's
// determinism requirement and Testable Property #6 (an all-pairs-far-apart
// input with minPts = 0 yields the whole input as noise).
func DBSCAN(points []Point, epsilonMeters float64, minPts int) ClusterResult {
	n := len(points)
	visited := make([]bool, n)
	clusterOf := make([]int, n) // -1 = unassigned/noise, >=0 = cluster index
	for i := range clusterOf {
		clusterOf[i] = -1
	}

	neighbors := func(i int) []int {
		var out []int
		for j := 0; j < n; j++ {
			if j == i {
				continue
			}
			if HaversineMeters(points[i].Lat, points[i].Lon, points[j].Lat, points[j].Lon) <= epsilonMeters {
				out = append(out, j)
			}
		}
		return out
	}

	var clusters [][]int
	for i := 0; i < n; i++ {
		if visited[i] {
			continue
		}
		visited[i] = true
		nbrs := neighbors(i)
		// a point is core if it has at least minPts neighbours (not counting
		// itself); with minPts = 0 a point with no neighbour within epsilon
		// still stays noise, and every other point seeds or joins a cluster.
		if len(nbrs) < minPts || len(nbrs) == 0 {
			continue // stays noise unless later absorbed by another core point's expansion
		}

		clusterIdx := len(clusters)
		clusters = append(clusters, []int{i})
		clusterOf[i] = clusterIdx

		queue := append([]int(nil), nbrs...)
		for qi := 0; qi < len(queue); qi++ {
			j := queue[qi]
			if !visited[j] {
				visited[j] = true
				jNbrs := neighbors(j)
				if len(jNbrs) >= minPts {
					queue = append(queue, jNbrs...)
				}
			}
			if clusterOf[j] == -1 {
				clusterOf[j] = clusterIdx
				clusters[clusterIdx] = append(clusters[clusterIdx], j)
			}
		}
	}

	result := ClusterResult{}
	for _, idxs := range clusters {
		var c []Point
		for _, idx := range idxs {
			c = append(c, points[idx])
		}
		result.Clusters = append(result.Clusters, c)
	}
	for i, c := range clusterOf {
		if c == -1 {
			result.Noise = append(result.Noise, points[i])
		}
	}
	return result
}

// LargestCluster returns the index of the biggest cluster in r, or -1 if
// there are none.
func (r ClusterResult) LargestCluster() int {
	best := -1
	bestSize := 0
	for i, c := range r.Clusters {
		if len(c) > bestSize {
			best = i
			bestSize = len(c)
		}
	}
	return best
}
