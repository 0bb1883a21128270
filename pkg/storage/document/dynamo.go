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

package document

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/samber/lo"

	sdk "github.com/vigilsec/vigil/pkg/aws"
	vigilerrors "github.com/vigilsec/vigil/pkg/errors"
)

// DynamoStore implements Store on DynamoDB tables. Reads are strongly
// consistent; conditional writes translate rejections into CONFLICT.
type DynamoStore struct {
	api sdk.DynamoDBAPI
}

func NewDynamoStore(api sdk.DynamoDBAPI) *DynamoStore {
	return &DynamoStore{api: api}
}

func (s *DynamoStore) Put(ctx context.Context, table string, item any, cond *Condition) error {
	defer observe("put", table, time.Now())
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshaling document for table %q, %w", table, err)
	}
	input := &dynamodb.PutItemInput{TableName: lo.ToPtr(table), Item: av}
	expr, names, values, err := cond.build()
	if err != nil {
		return err
	}
	input.ConditionExpression = expr
	input.ExpressionAttributeNames = names
	input.ExpressionAttributeValues = values
	if _, err = s.api.PutItem(ctx, input); err != nil {
		countError("put", table, err)
		return fmt.Errorf("putting document into table %q, %w", table, vigilerrors.FromAWS(err))
	}
	return nil
}

func (s *DynamoStore) Get(ctx context.Context, table string, key Key, out any) error {
	defer observe("get", table, time.Now())
	kav, err := marshalKey(key)
	if err != nil {
		return err
	}
	resp, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      lo.ToPtr(table),
		Key:            kav,
		ConsistentRead: lo.ToPtr(true),
	})
	if err != nil {
		countError("get", table, err)
		return fmt.Errorf("getting document from table %q, %w", table, vigilerrors.FromAWS(err))
	}
	if len(resp.Item) == 0 {
		return vigilerrors.Newf(vigilerrors.KindNotFound, "document not found in table %s", table)
	}
	if err = attributevalue.UnmarshalMap(resp.Item, out); err != nil {
		return fmt.Errorf("unmarshaling document from table %q, %w", table, err)
	}
	return nil
}

func (s *DynamoStore) Delete(ctx context.Context, table string, key Key, cond *Condition) error {
	defer observe("delete", table, time.Now())
	kav, err := marshalKey(key)
	if err != nil {
		return err
	}
	input := &dynamodb.DeleteItemInput{TableName: lo.ToPtr(table), Key: kav}
	expr, names, values, err := cond.build()
	if err != nil {
		return err
	}
	input.ConditionExpression = expr
	input.ExpressionAttributeNames = names
	input.ExpressionAttributeValues = values
	if _, err = s.api.DeleteItem(ctx, input); err != nil {
		countError("delete", table, err)
		return fmt.Errorf("deleting document from table %q, %w", table, vigilerrors.FromAWS(err))
	}
	return nil
}

func (s *DynamoStore) Update(ctx context.Context, table string, key Key, update Update, cond *Condition) error {
	defer observe("update", table, time.Now())
	kav, err := marshalKey(key)
	if err != nil {
		return err
	}
	expr, names, values, err := update.build()
	if err != nil {
		return err
	}
	input := &dynamodb.UpdateItemInput{
		TableName:                 lo.ToPtr(table),
		Key:                       kav,
		UpdateExpression:          expr,
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	}
	condExpr, condNames, condValues, err := cond.build()
	if err != nil {
		return err
	}
	if condExpr != nil {
		input.ConditionExpression = condExpr
		for k, v := range condNames {
			input.ExpressionAttributeNames[k] = v
		}
		if input.ExpressionAttributeValues == nil && len(condValues) > 0 {
			input.ExpressionAttributeValues = map[string]types.AttributeValue{}
		}
		for k, v := range condValues {
			input.ExpressionAttributeValues[k] = v
		}
	}
	if _, err = s.api.UpdateItem(ctx, input); err != nil {
		countError("update", table, err)
		return fmt.Errorf("updating document in table %q, %w", table, vigilerrors.FromAWS(err))
	}
	return nil
}

func (s *DynamoStore) Query(ctx context.Context, in QueryInput, out any) (string, error) {
	defer observe("query", in.Table, time.Now())
	names := map[string]string{}
	values := map[string]types.AttributeValue{}
	var conds []string
	for i, attr := range sortedKeys(in.Equals) {
		av, err := attributevalue.Marshal(in.Equals[attr])
		if err != nil {
			return "", fmt.Errorf("marshaling key condition for %s, %w", attr, err)
		}
		name, value := fmt.Sprintf("#k%d", i), fmt.Sprintf(":k%d", i)
		names[name], values[value] = attr, av
		conds = append(conds, fmt.Sprintf("%s = %s", name, value))
	}
	for i, attr := range sortedKeys(in.BeginsWith) {
		name, value := fmt.Sprintf("#p%d", i), fmt.Sprintf(":p%d", i)
		names[name] = attr
		values[value] = &types.AttributeValueMemberS{Value: in.BeginsWith[attr]}
		conds = append(conds, fmt.Sprintf("begins_with(%s, %s)", name, value))
	}
	input := &dynamodb.QueryInput{
		TableName:                 lo.ToPtr(in.Table),
		KeyConditionExpression:    lo.ToPtr(strings.Join(conds, " AND ")),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ScanIndexForward:          lo.ToPtr(!in.Descending),
		// Secondary indexes only support eventually consistent reads.
		ConsistentRead: lo.ToPtr(in.Index == ""),
	}
	if in.Index != "" {
		input.IndexName = lo.ToPtr(in.Index)
	}
	if in.Limit > 0 {
		input.Limit = lo.ToPtr(in.Limit)
	}
	filterExpr, err := buildFilter(in.Filter, names, values)
	if err != nil {
		return "", err
	}
	input.FilterExpression = filterExpr
	if input.ExclusiveStartKey, err = decodeToken(in.NextToken); err != nil {
		return "", err
	}
	resp, err := s.api.Query(ctx, input)
	if err != nil {
		countError("query", in.Table, err)
		return "", fmt.Errorf("querying table %q, %w", in.Table, vigilerrors.FromAWS(err))
	}
	if err = attributevalue.UnmarshalListOfMaps(resp.Items, out); err != nil {
		return "", fmt.Errorf("unmarshaling documents from table %q, %w", in.Table, err)
	}
	return encodeToken(resp.LastEvaluatedKey)
}

func (s *DynamoStore) Scan(ctx context.Context, in ScanInput, out any) (string, error) {
	defer observe("scan", in.Table, time.Now())
	names := map[string]string{}
	values := map[string]types.AttributeValue{}
	input := &dynamodb.ScanInput{
		TableName:      lo.ToPtr(in.Table),
		ConsistentRead: lo.ToPtr(true),
	}
	if in.Limit > 0 {
		input.Limit = lo.ToPtr(in.Limit)
	}
	filterExpr, err := buildFilter(in.Filter, names, values)
	if err != nil {
		return "", err
	}
	input.FilterExpression = filterExpr
	if len(names) > 0 {
		input.ExpressionAttributeNames = names
		input.ExpressionAttributeValues = values
	}
	if input.ExclusiveStartKey, err = decodeToken(in.NextToken); err != nil {
		return "", err
	}
	resp, err := s.api.Scan(ctx, input)
	if err != nil {
		countError("scan", in.Table, err)
		return "", fmt.Errorf("scanning table %q, %w", in.Table, vigilerrors.FromAWS(err))
	}
	if err = attributevalue.UnmarshalListOfMaps(resp.Items, out); err != nil {
		return "", fmt.Errorf("unmarshaling documents from table %q, %w", in.Table, err)
	}
	return encodeToken(resp.LastEvaluatedKey)
}

// build renders the condition into a DynamoDB expression. Names and values
// carry the #c/:c prefix so they merge cleanly with update expressions.
func (c *Condition) build() (*string, map[string]string, map[string]types.AttributeValue, error) {
	if c == nil {
		return nil, nil, nil, nil
	}
	names := map[string]string{}
	values := map[string]types.AttributeValue{}
	var clauses []string
	idx := 0
	for _, attr := range c.AttributeNotExists {
		name := fmt.Sprintf("#c%d", idx)
		names[name] = attr
		clauses = append(clauses, fmt.Sprintf("attribute_not_exists(%s)", name))
		idx++
	}
	for _, attr := range sortedKeys(c.Equals) {
		av, err := attributevalue.Marshal(c.Equals[attr])
		if err != nil {
			return nil, nil, nil, fmt.Errorf("marshaling condition value for %s, %w", attr, err)
		}
		name, value := fmt.Sprintf("#c%d", idx), fmt.Sprintf(":c%d", idx)
		names[name], values[value] = attr, av
		clauses = append(clauses, fmt.Sprintf("%s = %s", name, value))
		idx++
	}
	for _, attr := range sortedKeys(c.GreaterThan) {
		name, value := fmt.Sprintf("#c%d", idx), fmt.Sprintf(":c%d", idx)
		names[name] = attr
		values[value] = &types.AttributeValueMemberN{Value: strconv.FormatInt(c.GreaterThan[attr], 10)}
		clauses = append(clauses, fmt.Sprintf("%s > %s", name, value))
		idx++
	}
	if len(clauses) == 0 {
		return nil, nil, nil, nil
	}
	if len(values) == 0 {
		values = nil
	}
	return lo.ToPtr(strings.Join(clauses, " AND ")), names, values, nil
}

func (u Update) build() (*string, map[string]string, map[string]types.AttributeValue, error) {
	names := map[string]string{}
	values := map[string]types.AttributeValue{}
	var sets, adds []string
	for i, attr := range sortedKeys(u.Set) {
		av, err := attributevalue.Marshal(u.Set[attr])
		if err != nil {
			return nil, nil, nil, fmt.Errorf("marshaling update value for %s, %w", attr, err)
		}
		name, value := fmt.Sprintf("#u%d", i), fmt.Sprintf(":u%d", i)
		names[name], values[value] = attr, av
		sets = append(sets, fmt.Sprintf("%s = %s", name, value))
	}
	for i, attr := range sortedKeys(u.Add) {
		name, value := fmt.Sprintf("#a%d", i), fmt.Sprintf(":a%d", i)
		names[name] = attr
		values[value] = &types.AttributeValueMemberN{Value: strconv.FormatInt(u.Add[attr], 10)}
		adds = append(adds, fmt.Sprintf("%s %s", name, value))
	}
	var removes []string
	for i, attr := range u.Remove {
		name := fmt.Sprintf("#r%d", i)
		names[name] = attr
		removes = append(removes, name)
	}
	var parts []string
	if len(sets) > 0 {
		parts = append(parts, "SET "+strings.Join(sets, ", "))
	}
	if len(adds) > 0 {
		parts = append(parts, "ADD "+strings.Join(adds, ", "))
	}
	if len(removes) > 0 {
		parts = append(parts, "REMOVE "+strings.Join(removes, ", "))
	}
	if len(parts) == 0 {
		return nil, nil, nil, vigilerrors.Validation("update carries no mutations")
	}
	if len(values) == 0 {
		values = nil
	}
	return lo.ToPtr(strings.Join(parts, " ")), names, values, nil
}

func buildFilter(filter map[string]any, names map[string]string, values map[string]types.AttributeValue) (*string, error) {
	if len(filter) == 0 {
		return nil, nil
	}
	var clauses []string
	for i, attr := range sortedKeys(filter) {
		av, err := attributevalue.Marshal(filter[attr])
		if err != nil {
			return nil, fmt.Errorf("marshaling filter value for %s, %w", attr, err)
		}
		name, value := fmt.Sprintf("#f%d", i), fmt.Sprintf(":f%d", i)
		names[name], values[value] = attr, av
		clauses = append(clauses, fmt.Sprintf("%s = %s", name, value))
	}
	return lo.ToPtr(strings.Join(clauses, " AND ")), nil
}

func marshalKey(key Key) (map[string]types.AttributeValue, error) {
	kav, err := attributevalue.MarshalMap(map[string]any(key))
	if err != nil {
		return nil, fmt.Errorf("marshaling document key, %w", err)
	}
	return kav, nil
}

// Pagination tokens are the table's last evaluated key, JSON-encoded and
// base64-wrapped so they stay opaque to API clients.
func encodeToken(lastKey map[string]types.AttributeValue) (string, error) {
	if len(lastKey) == 0 {
		return "", nil
	}
	var plain map[string]any
	if err := attributevalue.UnmarshalMap(lastKey, &plain); err != nil {
		return "", fmt.Errorf("unmarshaling pagination key, %w", err)
	}
	raw, err := json.Marshal(plain)
	if err != nil {
		return "", fmt.Errorf("encoding pagination token, %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodeToken(token string) (map[string]types.AttributeValue, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, vigilerrors.Validation("malformed pagination token", "next_token")
	}
	var plain map[string]any
	if err = json.Unmarshal(raw, &plain); err != nil {
		return nil, vigilerrors.Validation("malformed pagination token", "next_token")
	}
	kav, err := attributevalue.MarshalMap(plain)
	if err != nil {
		return nil, vigilerrors.Validation("malformed pagination token", "next_token")
	}
	return kav, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}
