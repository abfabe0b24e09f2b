// Package dynamofake is a small in-memory DynamoDB used by store tests.
//
// It understands the expression shapes the stores in this module emit:
// conditions joined by AND over attribute_exists/attribute_not_exists and
// =, >=, <=, >, < comparisons, and SET updates whose right-hand side is a
// value, an attribute, if_not_exists(attr, :v), or one of those plus/minus a
// value. It is not a general DynamoDB emulator.
package dynamofake

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

type table struct {
	hashKey  string
	rangeKey string
	items    map[string]map[string]types.AttributeValue
}

// Fake implements the DynamoDBAPI interface over in-memory tables.
type Fake struct {
	mu     sync.Mutex
	tables map[string]*table

	conflicts     int
	transactCalls int
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{tables: map[string]*table{}}
}

// CreateTable declares a table and its key schema. rangeKey may be empty.
func (f *Fake) CreateTable(name, hashKey, rangeKey string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[name] = &table{hashKey: hashKey, rangeKey: rangeKey, items: map[string]map[string]types.AttributeValue{}}
}

// InjectTransactionConflicts makes the next n TransactWriteItems calls fail
// with a TransactionConflict cancellation reason.
func (f *Fake) InjectTransactionConflicts(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conflicts = n
}

// TransactCalls returns how many TransactWriteItems calls were made.
func (f *Fake) TransactCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transactCalls
}

// Item returns a copy of the stored item for key, or nil.
func (f *Fake) Item(tableName string, key map[string]types.AttributeValue) map[string]types.AttributeValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[tableName]
	if !ok {
		return nil
	}
	k, err := t.keyOf(key)
	if err != nil {
		return nil
	}
	return clone(t.items[k])
}

// Len returns the number of items in a table.
func (f *Fake) Len(tableName string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tables[tableName]; ok {
		return len(t.items)
	}
	return 0
}

func (f *Fake) table(name *string) (*table, error) {
	t, ok := f.tables[sdkaws.ToString(name)]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: sdkaws.String("table not found: " + sdkaws.ToString(name))}
	}
	return t, nil
}

func (t *table) keyOf(item map[string]types.AttributeValue) (string, error) {
	h, ok := scalar(item[t.hashKey])
	if !ok {
		return "", validation("missing hash key " + t.hashKey)
	}
	if t.rangeKey == "" {
		return h, nil
	}
	r, ok := scalar(item[t.rangeKey])
	if !ok {
		return "", validation("missing range key " + t.rangeKey)
	}
	return h + "|" + r, nil
}

func (f *Fake) GetItem(ctx context.Context, in *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	k, err := t.keyOf(in.Key)
	if err != nil {
		return nil, err
	}
	item, ok := t.items[k]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: clone(item)}, nil
}

func (f *Fake) PutItem(ctx context.Context, in *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	k, err := t.keyOf(in.Item)
	if err != nil {
		return nil, err
	}
	old := t.items[k]
	ok, err := evalCondition(sdkaws.ToString(in.ConditionExpression), in.ExpressionAttributeNames, in.ExpressionAttributeValues, old)
	if err != nil {
		return nil, err
	}
	if !ok {
		ccf := &types.ConditionalCheckFailedException{Message: sdkaws.String("The conditional request failed")}
		if in.ReturnValuesOnConditionCheckFailure == types.ReturnValuesOnConditionCheckFailureAllOld {
			ccf.Item = clone(old)
		}
		return nil, ccf
	}
	t.items[k] = clone(in.Item)
	return &dyn.PutItemOutput{}, nil
}

func (f *Fake) UpdateItem(ctx context.Context, in *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	k, err := t.keyOf(in.Key)
	if err != nil {
		return nil, err
	}
	old := t.items[k]
	ok, err := evalCondition(sdkaws.ToString(in.ConditionExpression), in.ExpressionAttributeNames, in.ExpressionAttributeValues, old)
	if err != nil {
		return nil, err
	}
	if !ok {
		ccf := &types.ConditionalCheckFailedException{Message: sdkaws.String("The conditional request failed")}
		if in.ReturnValuesOnConditionCheckFailure == types.ReturnValuesOnConditionCheckFailureAllOld {
			ccf.Item = clone(old)
		}
		return nil, ccf
	}
	next, err := applyUpdate(sdkaws.ToString(in.UpdateExpression), in.ExpressionAttributeNames, in.ExpressionAttributeValues, old, in.Key)
	if err != nil {
		return nil, err
	}
	t.items[k] = next
	out := &dyn.UpdateItemOutput{}
	switch in.ReturnValues {
	case types.ReturnValueAllNew, types.ReturnValueUpdatedNew:
		out.Attributes = clone(next)
	case types.ReturnValueAllOld, types.ReturnValueUpdatedOld:
		out.Attributes = clone(old)
	}
	return out, nil
}

func (f *Fake) Query(ctx context.Context, in *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	attr, want, err := keyCondition(sdkaws.ToString(in.KeyConditionExpression), in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(t.items))
	for k := range t.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := &dyn.QueryOutput{}
	for _, k := range keys {
		item := t.items[k]
		if !equal(item[attr], want) {
			continue
		}
		out.Items = append(out.Items, clone(item))
		if in.Limit != nil && int32(len(out.Items)) >= *in.Limit {
			break
		}
	}
	out.Count = int32(len(out.Items))
	return out, nil
}

type plannedWrite struct {
	t    *table
	key  string
	next map[string]types.AttributeValue
}

func (f *Fake) TransactWriteItems(ctx context.Context, in *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transactCalls++

	if len(in.TransactItems) > 100 {
		return nil, validation("Member must have length less than or equal to 100")
	}

	if f.conflicts > 0 {
		f.conflicts--
		reasons := make([]types.CancellationReason, len(in.TransactItems))
		for i := range reasons {
			reasons[i] = types.CancellationReason{Code: sdkaws.String("None")}
		}
		if len(reasons) > 0 {
			reasons[0] = types.CancellationReason{Code: sdkaws.String("TransactionConflict"), Message: sdkaws.String("Transaction is ongoing for the item")}
		}
		return nil, canceled(reasons)
	}

	seen := map[string]bool{}
	planned := make([]plannedWrite, 0, len(in.TransactItems))
	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false
	for i, it := range in.TransactItems {
		var (
			tableName  *string
			key        map[string]types.AttributeValue
			cond       *string
			names      map[string]string
			values     map[string]types.AttributeValue
			returnOld  types.ReturnValuesOnConditionCheckFailure
			buildWrite func(old map[string]types.AttributeValue) (map[string]types.AttributeValue, error)
		)
		switch {
		case it.Put != nil:
			p := it.Put
			tableName, key, cond, names, values, returnOld = p.TableName, p.Item, p.ConditionExpression, p.ExpressionAttributeNames, p.ExpressionAttributeValues, p.ReturnValuesOnConditionCheckFailure
			buildWrite = func(map[string]types.AttributeValue) (map[string]types.AttributeValue, error) { return clone(p.Item), nil }
		case it.Update != nil:
			u := it.Update
			tableName, key, cond, names, values, returnOld = u.TableName, u.Key, u.ConditionExpression, u.ExpressionAttributeNames, u.ExpressionAttributeValues, u.ReturnValuesOnConditionCheckFailure
			buildWrite = func(old map[string]types.AttributeValue) (map[string]types.AttributeValue, error) {
				return applyUpdate(sdkaws.ToString(u.UpdateExpression), u.ExpressionAttributeNames, u.ExpressionAttributeValues, old, u.Key)
			}
		case it.ConditionCheck != nil:
			c := it.ConditionCheck
			tableName, key, cond, names, values, returnOld = c.TableName, c.Key, c.ConditionExpression, c.ExpressionAttributeNames, c.ExpressionAttributeValues, c.ReturnValuesOnConditionCheckFailure
		default:
			return nil, validation("unsupported transact item")
		}

		t, err := f.table(tableName)
		if err != nil {
			return nil, err
		}
		k, err := t.keyOf(key)
		if err != nil {
			return nil, err
		}
		id := sdkaws.ToString(tableName) + "/" + k
		if seen[id] {
			return nil, validation("Transaction request cannot include multiple operations on one item")
		}
		seen[id] = true

		old := t.items[k]
		ok, err := evalCondition(sdkaws.ToString(cond), names, values, old)
		if err != nil {
			return nil, err
		}
		if !ok {
			failed = true
			reasons[i] = types.CancellationReason{Code: sdkaws.String("ConditionalCheckFailed"), Message: sdkaws.String("The conditional request failed")}
			if returnOld == types.ReturnValuesOnConditionCheckFailureAllOld {
				reasons[i].Item = clone(old)
			}
			continue
		}
		reasons[i] = types.CancellationReason{Code: sdkaws.String("None")}
		if buildWrite == nil {
			continue
		}
		next, err := buildWrite(old)
		if err != nil {
			return nil, err
		}
		planned = append(planned, plannedWrite{t: t, key: k, next: next})
	}
	if failed {
		return nil, canceled(reasons)
	}
	for _, p := range planned {
		p.t.items[p.key] = p.next
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

func canceled(reasons []types.CancellationReason) error {
	codes := make([]string, len(reasons))
	for i, r := range reasons {
		codes[i] = sdkaws.ToString(r.Code)
	}
	return &types.TransactionCanceledException{
		Message:             sdkaws.String("Transaction cancelled, please refer cancellation reasons for specific reasons [" + strings.Join(codes, ", ") + "]"),
		CancellationReasons: reasons,
	}
}

func validation(msg string) error {
	return &smithy.GenericAPIError{Code: "ValidationException", Message: msg}
}

// --- expressions ---

func resolve(name string, names map[string]string) string {
	if strings.HasPrefix(name, "#") {
		if n, ok := names[name]; ok {
			return n
		}
	}
	return name
}

func evalCondition(expr string, names map[string]string, values map[string]types.AttributeValue, item map[string]types.AttributeValue) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}
	for _, clause := range strings.Split(expr, " AND ") {
		clause = strings.TrimSpace(clause)
		switch {
		case strings.HasPrefix(clause, "attribute_exists(") && strings.HasSuffix(clause, ")"):
			a := resolve(strings.TrimSuffix(strings.TrimPrefix(clause, "attribute_exists("), ")"), names)
			if _, ok := item[a]; !ok {
				return false, nil
			}
		case strings.HasPrefix(clause, "attribute_not_exists(") && strings.HasSuffix(clause, ")"):
			a := resolve(strings.TrimSuffix(strings.TrimPrefix(clause, "attribute_not_exists("), ")"), names)
			if _, ok := item[a]; ok {
				return false, nil
			}
		default:
			ok, err := compare(clause, names, values, item)
			if err != nil || !ok {
				return false, err
			}
		}
	}
	return true, nil
}

func compare(clause string, names map[string]string, values map[string]types.AttributeValue, item map[string]types.AttributeValue) (bool, error) {
	for _, op := range []string{" >= ", " <= ", " = ", " > ", " < "} {
		l, r, found := strings.Cut(clause, op)
		if !found {
			continue
		}
		left, ok := item[resolve(strings.TrimSpace(l), names)]
		if !ok {
			return false, nil
		}
		right, ok := values[strings.TrimSpace(r)]
		if !ok {
			return false, validation("missing value " + r)
		}
		if op == " = " {
			return equal(left, right), nil
		}
		ln, lok := number(left)
		rn, rok := number(right)
		if !lok || !rok {
			return false, validation("non-numeric comparison in " + clause)
		}
		switch op {
		case " >= ":
			return ln >= rn, nil
		case " <= ":
			return ln <= rn, nil
		case " > ":
			return ln > rn, nil
		default:
			return ln < rn, nil
		}
	}
	return false, validation("unsupported condition " + clause)
}

func keyCondition(expr string, names map[string]string, values map[string]types.AttributeValue) (string, types.AttributeValue, error) {
	l, r, found := strings.Cut(expr, " = ")
	if !found {
		return "", nil, validation("unsupported key condition " + expr)
	}
	v, ok := values[strings.TrimSpace(r)]
	if !ok {
		return "", nil, validation("missing value " + r)
	}
	return resolve(strings.TrimSpace(l), names), v, nil
}

func applyUpdate(expr string, names map[string]string, values map[string]types.AttributeValue, old, key map[string]types.AttributeValue) (map[string]types.AttributeValue, error) {
	next := clone(old)
	if next == nil {
		next = clone(key)
	}
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "SET ") {
		return nil, validation("unsupported update " + expr)
	}
	for _, assign := range splitTopLevel(strings.TrimPrefix(expr, "SET ")) {
		l, r, found := strings.Cut(assign, " = ")
		if !found {
			return nil, validation("bad assignment " + assign)
		}
		v, err := evalOperand(strings.TrimSpace(r), names, values, old)
		if err != nil {
			return nil, err
		}
		next[resolve(strings.TrimSpace(l), names)] = v
	}
	return next, nil
}

func evalOperand(expr string, names map[string]string, values map[string]types.AttributeValue, item map[string]types.AttributeValue) (types.AttributeValue, error) {
	for _, op := range []string{" + ", " - "} {
		l, r, found := strings.Cut(expr, op)
		if !found {
			continue
		}
		lv, err := evalOperand(strings.TrimSpace(l), names, values, item)
		if err != nil {
			return nil, err
		}
		rv, err := evalOperand(strings.TrimSpace(r), names, values, item)
		if err != nil {
			return nil, err
		}
		ln, lok := number(lv)
		rn, rok := number(rv)
		if !lok || !rok {
			return nil, validation("non-numeric arithmetic in " + expr)
		}
		if op == " - " {
			rn = -rn
		}
		return &types.AttributeValueMemberN{Value: strconv.FormatInt(ln+rn, 10)}, nil
	}
	if strings.HasPrefix(expr, "if_not_exists(") && strings.HasSuffix(expr, ")") {
		inner := strings.TrimSuffix(strings.TrimPrefix(expr, "if_not_exists("), ")")
		a, dflt, found := strings.Cut(inner, ",")
		if !found {
			return nil, validation("bad if_not_exists " + expr)
		}
		if v, ok := item[resolve(strings.TrimSpace(a), names)]; ok {
			return v, nil
		}
		return evalOperand(strings.TrimSpace(dflt), names, values, item)
	}
	if strings.HasPrefix(expr, ":") {
		v, ok := values[expr]
		if !ok {
			return nil, validation("missing value " + expr)
		}
		return v, nil
	}
	v, ok := item[resolve(expr, names)]
	if !ok {
		return nil, validation("The provided expression refers to an attribute that does not exist in the item: " + expr)
	}
	return v, nil
}

// splitTopLevel splits on commas outside parentheses.
func splitTopLevel(s string) []string {
	var (
		out   []string
		depth int
		start int
	)
	for i, c := range s {
		switch c {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	return append(out, strings.TrimSpace(s[start:]))
}

func scalar(v types.AttributeValue) (string, bool) {
	switch tv := v.(type) {
	case *types.AttributeValueMemberS:
		return tv.Value, true
	case *types.AttributeValueMemberN:
		return tv.Value, true
	}
	return "", false
}

func number(v types.AttributeValue) (int64, bool) {
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, false
	}
	i, err := strconv.ParseInt(n.Value, 10, 64)
	return i, err == nil
}

func equal(a, b types.AttributeValue) bool {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberN:
		an, _ := number(a)
		bn, ok := number(b)
		return ok && an == bn
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		return ok && av.Value == bv.Value
	}
	return false
}

func clone(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}
