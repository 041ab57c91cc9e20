// Command mongosync-check compares document counts and index definitions
// between a replication source and destination and reports any mismatch.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/nodestorage/mongosync/internal/indexsig"
	"github.com/nodestorage/mongosync/internal/source"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/bson"
)

var (
	originURI string
	targetURI string
	dbsFlag   []string
	sample    int
)

func main() {
	root := &cobra.Command{
		Use:   "mongosync-check",
		Short: "Compare document counts and indexes between a source and a destination cluster",
		RunE:  run,
	}
	root.Flags().StringVar(&originURI, "origin", "", "source cluster connection URI")
	root.Flags().StringVar(&targetURI, "target", "", "destination cluster connection URI")
	root.Flags().StringSliceVar(&dbsFlag, "dbs", nil, "databases to check, db or db.coll (default: all)")
	root.Flags().IntVar(&sample, "sample", 0, "number of documents per collection to spot-check for field-level drift (0 disables)")
	root.MarkFlagRequired("origin")
	root.MarkFlagRequired("target")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	origin := source.New(originURI, source.DefaultOptions())
	if err := origin.Connect(ctx); err != nil {
		return fmt.Errorf("connect origin: %w", err)
	}
	defer origin.Close(ctx)

	target := source.New(targetURI, source.DefaultOptions())
	if err := target.Connect(ctx); err != nil {
		return fmt.Errorf("connect target: %w", err)
	}
	defer target.Close(ctx)

	namespaces, err := resolveNamespaces(ctx, origin, dbsFlag)
	if err != nil {
		return err
	}

	dataPass := true
	indexPass := true
	fmt.Println("-- document counts --")
	for _, ns := range namespaces {
		db, coll, _ := strings.Cut(ns, ".")
		srcCount, err := origin.CountDocuments(ctx, db, coll)
		if err != nil {
			return fmt.Errorf("count %s on origin: %w", ns, err)
		}
		dstCount, err := target.CountDocuments(ctx, db, coll)
		if err != nil {
			return fmt.Errorf("count %s on target: %w", ns, err)
		}
		ok := srcCount == dstCount
		dataPass = dataPass && ok
		printRow(ok, ns, fmt.Sprintf("%d vs %d", srcCount, dstCount))
	}

	fmt.Println("-- indexes --")
	for _, ns := range namespaces {
		db, coll, _ := strings.Cut(ns, ".")
		ok, detail, err := compareIndexes(ctx, origin, target, db, coll)
		if err != nil {
			return fmt.Errorf("compare indexes on %s: %w", ns, err)
		}
		indexPass = indexPass && ok
		printRow(ok, ns, detail)
	}

	if sample > 0 {
		fmt.Println("-- sampled document diff --")
		// Document-level sampling is a read-only supplement: it reports
		// drift but never changes dataPass/indexPass, since a partial
		// sample proves nothing about the collections it didn't touch.
		for _, ns := range namespaces {
			db, coll, _ := strings.Cut(ns, ".")
			if err := sampleCompare(ctx, origin, target, db, coll, sample); err != nil {
				fmt.Printf("[WARN] %s: %v\n", ns, err)
			}
		}
	}

	if dataPass && indexPass {
		fmt.Println("SUCCESS")
		return nil
	}
	fmt.Println("FAILED")
	os.Exit(1)
	return nil
}

func resolveNamespaces(ctx context.Context, src source.Client, dbs []string) ([]string, error) {
	if len(dbs) > 0 {
		var out []string
		for _, ns := range dbs {
			db, coll, ok := strings.Cut(ns, ".")
			if ok {
				out = append(out, db+"."+coll)
				continue
			}
			colls, err := src.ListCollections(ctx, db)
			if err != nil {
				return nil, err
			}
			for _, c := range colls {
				out = append(out, db+"."+c)
			}
		}
		return out, nil
	}

	allDBs, err := src.ListDatabases(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, db := range allDBs {
		if db == "admin" || db == "local" || db == "config" {
			continue
		}
		colls, err := src.ListCollections(ctx, db)
		if err != nil {
			return nil, err
		}
		for _, c := range colls {
			if strings.HasPrefix(c, "system.") {
				continue
			}
			out = append(out, db+"."+c)
		}
	}
	return out, nil
}

func compareIndexes(ctx context.Context, origin, target source.Client, db, coll string) (bool, string, error) {
	srcIdx, err := origin.ListIndexes(ctx, db, coll)
	if err != nil {
		return false, "", err
	}
	dstIdx, err := target.ListIndexes(ctx, db, coll)
	if err != nil {
		return false, "", err
	}

	srcSet, srcErrs := indexsig.SetFromSpecs(keysOf(srcIdx))
	dstSet, dstErrs := indexsig.SetFromSpecs(keysOf(dstIdx))
	for _, e := range append(srcErrs, dstErrs...) {
		fmt.Printf("[WARN] %s.%s: %v\n", db, coll, e)
	}

	onlyOrigin, onlyTarget := indexsig.Diff(srcSet, dstSet)
	if len(onlyOrigin) == 0 && len(onlyTarget) == 0 {
		return true, "match", nil
	}
	return false, fmt.Sprintf("origin-only=%v target-only=%v", onlyOrigin, onlyTarget), nil
}

func keysOf(idx []source.IndexDescriptor) []bson.D {
	out := make([]bson.D, 0, len(idx))
	for _, d := range idx {
		out = append(out, d.Key)
	}
	return out
}

// sampleCompare reads up to n documents from origin and diffs each against
// the same _id on target using a JSON merge patch, printing one mismatch
// line, with the patch, for every document that drifted. This supplements the count/index
// comparison with a read-only spot check; it never fails the run.
func sampleCompare(ctx context.Context, origin, target source.Client, db, coll string, n int) error {
	cursor, err := origin.Scan(ctx, db, coll, nil)
	if err != nil {
		return err
	}
	defer cursor.Close(ctx)

	checked, drifted := 0, 0
	for checked < n && cursor.Next(ctx) {
		var doc bson.D
		if err := cursor.Decode(&doc); err != nil {
			return err
		}
		checked++

		var id interface{}
		for _, elem := range doc {
			if elem.Key == "_id" {
				id = elem.Value
			}
		}
		if id == nil {
			continue
		}

		dstDoc, err := target.FindByID(ctx, db, coll, id)
		if err != nil {
			fmt.Printf("[ERR]\t%s.%s\t_id=%v missing on target\n", db, coll, id)
			drifted++
			continue
		}

		patch, err := diffDocs(doc, dstDoc)
		if err != nil {
			return err
		}
		if len(patch) > 2 { // "{}" marshals to 2 bytes when empty
			drifted++
			fmt.Printf("[ERR]\t%s.%s\t_id=%v drift=%s\n", db, coll, id, patch)
		}
	}
	fmt.Printf("\t%s.%s\tsampled=%d drifted=%d\n", db, coll, checked, drifted)
	return nil
}

func diffDocs(src, dst bson.D) ([]byte, error) {
	srcJSON, err := json.Marshal(src.Map())
	if err != nil {
		return nil, err
	}
	dstJSON, err := json.Marshal(dst.Map())
	if err != nil {
		return nil, err
	}
	return jsonpatch.CreateMergePatch(srcJSON, dstJSON)
}

func printRow(ok bool, ns, detail string) {
	status := "OK"
	if !ok {
		status = "ERR"
	}
	fmt.Printf("[ %s ]\t%s\t%s\n", status, ns, detail)
}
