/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package fake

import (
	"context"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/samber/lo"
)

// DynamoDBAPI is a functional in-memory stand-in for DynamoDB. It honors
// the expression grammar the document store emits, including conditional
// writes, so tests exercise real conflict semantics. Tables must be defined
// up front; the fake fails the test run hard on anything it cannot model.
type DynamoDBAPI struct {
	mu     sync.RWMutex
	tables map[string]*fakeTable

	NextError AtomicError
}

type fakeTable struct {
	keys  []string
	items map[string]map[string]types.AttributeValue
}

func NewDynamoDBAPI() *DynamoDBAPI {
	return &DynamoDBAPI{tables: map[string]*fakeTable{}}
}

// DefineTable registers a table with its key attribute names, partition key
// first.
func (d *DynamoDBAPI) DefineTable(name string, keys ...string) *DynamoDBAPI {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tables[name] = &fakeTable{keys: keys, items: map[string]map[string]types.AttributeValue{}}
	return d
}

// Reset drops all items but keeps table definitions.
func (d *DynamoDBAPI) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, table := range d.tables {
		table.items = map[string]map[string]types.AttributeValue{}
	}
	d.NextError.Reset()
}

// Items returns a snapshot of a table, keyed by composite key, for
// assertions on stored state.
func (d *DynamoDBAPI) Items(table string) []map[string]types.AttributeValue {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t := d.table(table)
	return lo.Map(sortedMapKeys(t.items), func(k string, _ int) map[string]types.AttributeValue {
		return copyItem(t.items[k])
	})
}

func (d *DynamoDBAPI) PutItem(_ context.Context, input *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if err := d.NextError.Get(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	table := d.table(lo.FromPtr(input.TableName))
	key := table.compositeKey(input.Item)
	if input.ConditionExpression != nil {
		if !evalClauses(lo.FromPtr(input.ConditionExpression), input.ExpressionAttributeNames, input.ExpressionAttributeValues, table.items[key]) {
			return nil, &types.ConditionalCheckFailedException{Message: lo.ToPtr("The conditional request failed")}
		}
	}
	table.items[key] = copyItem(input.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (d *DynamoDBAPI) GetItem(_ context.Context, input *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if err := d.NextError.Get(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	table := d.table(lo.FromPtr(input.TableName))
	item, ok := table.items[table.compositeKey(input.Key)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: copyItem(item)}, nil
}

func (d *DynamoDBAPI) DeleteItem(_ context.Context, input *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	if err := d.NextError.Get(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	table := d.table(lo.FromPtr(input.TableName))
	key := table.compositeKey(input.Key)
	if input.ConditionExpression != nil {
		if !evalClauses(lo.FromPtr(input.ConditionExpression), input.ExpressionAttributeNames, input.ExpressionAttributeValues, table.items[key]) {
			return nil, &types.ConditionalCheckFailedException{Message: lo.ToPtr("The conditional request failed")}
		}
	}
	delete(table.items, key)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (d *DynamoDBAPI) UpdateItem(_ context.Context, input *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	if err := d.NextError.Get(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	table := d.table(lo.FromPtr(input.TableName))
	key := table.compositeKey(input.Key)
	item, exists := table.items[key]
	if input.ConditionExpression != nil {
		if !evalClauses(lo.FromPtr(input.ConditionExpression), input.ExpressionAttributeNames, input.ExpressionAttributeValues, item) {
			return nil, &types.ConditionalCheckFailedException{Message: lo.ToPtr("The conditional request failed")}
		}
	}
	if !exists {
		item = copyItem(input.Key)
	}
	applyUpdate(lo.FromPtr(input.UpdateExpression), input.ExpressionAttributeNames, input.ExpressionAttributeValues, item)
	table.items[key] = item
	return &dynamodb.UpdateItemOutput{}, nil
}

func (d *DynamoDBAPI) Query(_ context.Context, input *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	if err := d.NextError.Get(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	table := d.table(lo.FromPtr(input.TableName))

	keyClauses := splitClauses(lo.FromPtr(input.KeyConditionExpression))
	filterClauses := splitClauses(lo.FromPtr(input.FilterExpression))

	matched := lo.Filter(table.sorted(), func(item map[string]types.AttributeValue, _ int) bool {
		return evalParsedClauses(keyClauses, input.ExpressionAttributeNames, input.ExpressionAttributeValues, item)
	})
	if !lo.FromPtr(input.ScanIndexForward) {
		matched = lo.Reverse(matched)
	}
	page, lastKey := paginate(table, matched, input.ExclusiveStartKey, input.Limit)
	page = lo.Filter(page, func(item map[string]types.AttributeValue, _ int) bool {
		return evalParsedClauses(filterClauses, input.ExpressionAttributeNames, input.ExpressionAttributeValues, item)
	})
	return &dynamodb.QueryOutput{
		Items:            lo.Map(page, func(item map[string]types.AttributeValue, _ int) map[string]types.AttributeValue { return copyItem(item) }),
		LastEvaluatedKey: lastKey,
	}, nil
}

func (d *DynamoDBAPI) Scan(_ context.Context, input *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	if err := d.NextError.Get(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	table := d.table(lo.FromPtr(input.TableName))

	filterClauses := splitClauses(lo.FromPtr(input.FilterExpression))
	page, lastKey := paginate(table, table.sorted(), input.ExclusiveStartKey, input.Limit)
	page = lo.Filter(page, func(item map[string]types.AttributeValue, _ int) bool {
		return evalParsedClauses(filterClauses, input.ExpressionAttributeNames, input.ExpressionAttributeValues, item)
	})
	return &dynamodb.ScanOutput{
		Items:            lo.Map(page, func(item map[string]types.AttributeValue, _ int) map[string]types.AttributeValue { return copyItem(item) }),
		LastEvaluatedKey: lastKey,
	}, nil
}

func (d *DynamoDBAPI) BatchWriteItem(_ context.Context, input *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	if err := d.NextError.Get(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, writes := range input.RequestItems {
		table := d.table(name)
		for _, write := range writes {
			if write.PutRequest != nil {
				table.items[table.compositeKey(write.PutRequest.Item)] = copyItem(write.PutRequest.Item)
			}
			if write.DeleteRequest != nil {
				delete(table.items, table.compositeKey(write.DeleteRequest.Key))
			}
		}
	}
	return &dynamodb.BatchWriteItemOutput{}, nil
}

// table panics on undefined tables since that is always a test setup bug.
func (d *DynamoDBAPI) table(name string) *fakeTable {
	table, ok := d.tables[name]
	if !ok {
		log.Fatalf("fake dynamodb table %q is not defined", name)
	}
	return table
}

func (t *fakeTable) compositeKey(item map[string]types.AttributeValue) string {
	parts := make([]string, 0, len(t.keys))
	for _, key := range t.keys {
		av, ok := item[key]
		if !ok {
			log.Fatalf("fake dynamodb item is missing key attribute %q", key)
		}
		parts = append(parts, avString(av))
	}
	return strings.Join(parts, "\x1f")
}

func (t *fakeTable) sorted() []map[string]types.AttributeValue {
	return lo.Map(sortedMapKeys(t.items), func(k string, _ int) map[string]types.AttributeValue {
		return t.items[k]
	})
}

func paginate(table *fakeTable, items []map[string]types.AttributeValue, startKey map[string]types.AttributeValue, limit *int32) ([]map[string]types.AttributeValue, map[string]types.AttributeValue) {
	if len(startKey) > 0 {
		start := table.compositeKey(startKey)
		for i, item := range items {
			if table.compositeKey(item) == start {
				items = items[i+1:]
				break
			}
		}
	}
	if limit == nil || int(*limit) >= len(items) {
		return items, nil
	}
	page := items[:*limit]
	last := map[string]types.AttributeValue{}
	for _, key := range table.keys {
		last[key] = page[len(page)-1][key]
	}
	return page, last
}

func splitClauses(expr string) []string {
	if expr == "" {
		return nil
	}
	return lo.Map(strings.Split(expr, " AND "), func(clause string, _ int) string {
		return strings.TrimSpace(clause)
	})
}

func evalClauses(expr string, names map[string]string, values map[string]types.AttributeValue, item map[string]types.AttributeValue) bool {
	return evalParsedClauses(splitClauses(expr), names, values, item)
}

func evalParsedClauses(clauses []string, names map[string]string, values map[string]types.AttributeValue, item map[string]types.AttributeValue) bool {
	for _, clause := range clauses {
		switch {
		case strings.HasPrefix(clause, "attribute_not_exists("):
			attr := names[strings.TrimSuffix(strings.TrimPrefix(clause, "attribute_not_exists("), ")")]
			if item != nil {
				if _, ok := item[attr]; ok {
					return false
				}
			}
		case strings.HasPrefix(clause, "begins_with("):
			inner := strings.TrimSuffix(strings.TrimPrefix(clause, "begins_with("), ")")
			parts := strings.SplitN(inner, ", ", 2)
			got, ok := item[names[parts[0]]].(*types.AttributeValueMemberS)
			want, ok2 := values[parts[1]].(*types.AttributeValueMemberS)
			if !ok || !ok2 || !strings.HasPrefix(got.Value, want.Value) {
				return false
			}
		case strings.Contains(clause, " = "):
			parts := strings.SplitN(clause, " = ", 2)
			if item == nil {
				return false
			}
			got, ok := item[names[parts[0]]]
			if !ok || !avEqual(got, values[parts[1]]) {
				return false
			}
		case strings.Contains(clause, " > "):
			parts := strings.SplitN(clause, " > ", 2)
			if item == nil {
				return false
			}
			got, ok := item[names[parts[0]]].(*types.AttributeValueMemberN)
			want, ok2 := values[parts[1]].(*types.AttributeValueMemberN)
			if !ok || !ok2 {
				return false
			}
			gv, gerr := strconv.ParseFloat(got.Value, 64)
			wv, werr := strconv.ParseFloat(want.Value, 64)
			if gerr != nil || werr != nil || gv <= wv {
				return false
			}
		default:
			log.Fatalf("fake dynamodb cannot evaluate clause %q", clause)
		}
	}
	return true
}

func applyUpdate(expr string, names map[string]string, values map[string]types.AttributeValue, item map[string]types.AttributeValue) {
	setPart, addPart, removePart := "", "", ""
	if i := strings.Index(expr, "REMOVE "); i >= 0 {
		removePart = strings.TrimSpace(expr[i+len("REMOVE "):])
		expr = strings.TrimSpace(expr[:i])
	}
	if i := strings.Index(expr, "ADD "); i >= 0 {
		addPart = strings.TrimSpace(expr[i+len("ADD "):])
		expr = strings.TrimSpace(expr[:i])
	}
	setPart = strings.TrimPrefix(expr, "SET ")
	if setPart != "" {
		for _, assign := range strings.Split(setPart, ", ") {
			parts := strings.SplitN(assign, " = ", 2)
			item[names[parts[0]]] = values[parts[1]]
		}
	}
	if addPart != "" {
		for _, add := range strings.Split(addPart, ", ") {
			parts := strings.Fields(add)
			attr := names[parts[0]]
			delta, ok := values[parts[1]].(*types.AttributeValueMemberN)
			if !ok {
				log.Fatalf("fake dynamodb ADD expects a numeric value for %q", attr)
			}
			current := int64(0)
			if existing, ok := item[attr].(*types.AttributeValueMemberN); ok {
				current = lo.Must(strconv.ParseInt(existing.Value, 10, 64))
			}
			item[attr] = &types.AttributeValueMemberN{Value: strconv.FormatInt(current+lo.Must(strconv.ParseInt(delta.Value, 10, 64)), 10)}
		}
	}
	if removePart != "" {
		for _, name := range strings.Split(removePart, ", ") {
			delete(item, names[name])
		}
	}
}

func avEqual(a, b types.AttributeValue) bool {
	switch at := a.(type) {
	case *types.AttributeValueMemberS:
		bt, ok := b.(*types.AttributeValueMemberS)
		return ok && at.Value == bt.Value
	case *types.AttributeValueMemberN:
		bt, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return false
		}
		av, aerr := strconv.ParseFloat(at.Value, 64)
		bv, berr := strconv.ParseFloat(bt.Value, 64)
		return aerr == nil && berr == nil && av == bv
	case *types.AttributeValueMemberBOOL:
		bt, ok := b.(*types.AttributeValueMemberBOOL)
		return ok && at.Value == bt.Value
	case *types.AttributeValueMemberNULL:
		_, ok := b.(*types.AttributeValueMemberNULL)
		return ok
	default:
		return avString(a) == avString(b)
	}
}

func avString(av types.AttributeValue) string {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return "S:" + v.Value
	case *types.AttributeValueMemberN:
		return "N:" + v.Value
	case *types.AttributeValueMemberBOOL:
		return "B:" + strconv.FormatBool(v.Value)
	default:
		log.Fatalf("fake dynamodb cannot stringify attribute value %T", av)
		return ""
	}
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func sortedMapKeys[V any](m map[string]V) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}
