package lindas

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/i474232898/lindas-relay/internal/hydro"
)

// DefaultBatchSize bounds how many stations go into one query.
const DefaultBatchSize = 20

const queryPrefixes = `PREFIX dimension: <https://environment.ld.admin.ch/foen/hydro/dimension/>
PREFIX schema: <http://schema.org/>
`

// Each station's latest measurement time is selected server-side and joined
// back to the observation carrying it. The station name is optional.
const queryTemplate = `SELECT ?station ?name ?time ?temperature WHERE {
  {
    SELECT ?station (MAX(?measured) AS ?time) WHERE {
      VALUES ?station {
%s      }
      ?latest dimension:station ?station ;
        dimension:waterTemperature ?anyTemperature ;
        dimension:measurementTime ?measured .
    }
    GROUP BY ?station
  }
  ?observation dimension:station ?station ;
    dimension:waterTemperature ?temperature ;
    dimension:measurementTime ?time .
  OPTIONAL { ?station schema:name ?name . }
}
`

// BuildQueries renders one query per batch of at most batchSize stations.
// Duplicate URIs are dropped, order is preserved, and every URI appears in
// exactly one query.
func BuildQueries(uris []string, batchSize int) ([]string, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("%w: query batch size must be positive, got %d", hydro.ErrConfiguration, batchSize)
	}

	seen := make(map[string]struct{}, len(uris))
	unique := make([]string, 0, len(uris))
	for _, u := range uris {
		if _, ok := seen[u]; ok {
			continue
		}
		if err := validateIRI(u); err != nil {
			return nil, err
		}
		seen[u] = struct{}{}
		unique = append(unique, u)
	}
	if len(unique) == 0 {
		return nil, fmt.Errorf("%w: empty station set", hydro.ErrConfiguration)
	}

	queries := make([]string, 0, (len(unique)+batchSize-1)/batchSize)
	for start := 0; start < len(unique); start += batchSize {
		end := min(start+batchSize, len(unique))
		queries = append(queries, renderQuery(unique[start:end]))
	}
	return queries, nil
}

func renderQuery(uris []string) string {
	var values strings.Builder
	for _, u := range uris {
		values.WriteString("        <")
		values.WriteString(u)
		values.WriteString(">\n")
	}
	return queryPrefixes + fmt.Sprintf(queryTemplate, values.String())
}

// validateIRI rejects anything that cannot be written as <iri> in a query.
func validateIRI(s string) error {
	if s == "" || strings.ContainsAny(s, " \t\r\n<>\"{}|^`\\") {
		return fmt.Errorf("%w: invalid station uri %q", hydro.ErrConfiguration, s)
	}
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || (u.Host == "" && u.Opaque == "") {
		return fmt.Errorf("%w: station uri %q is not absolute", hydro.ErrConfiguration, s)
	}
	return nil
}
