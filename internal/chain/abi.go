package chain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const factoryABIJSON = `[
  {"type":"function","name":"createPictureRequest","stateMutability":"nonpayable",
   "inputs":[{"name":"ipfsHash","type":"string"},{"name":"budget","type":"uint256"},{"name":"expiresAt","type":"uint256"}],
   "outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"createRequestSubmission","stateMutability":"nonpayable",
   "inputs":[{"name":"request","type":"address"},{"name":"ipfsHash","type":"string"},{"name":"price","type":"uint256"}],
   "outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"createRequestComment","stateMutability":"nonpayable",
   "inputs":[{"name":"request","type":"address"},{"name":"ipfsHash","type":"string"}],
   "outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"purchaseSubmission","stateMutability":"payable",
   "inputs":[{"name":"submission","type":"address"}],
   "outputs":[]},
  {"type":"event","name":"PictureRequestCreated","anonymous":false,
   "inputs":[{"name":"creator","type":"address","indexed":false},{"name":"ipfsHash","type":"string","indexed":false},{"name":"budget","type":"uint256","indexed":false},{"name":"request","type":"address","indexed":false},{"name":"createdAt","type":"uint256","indexed":false},{"name":"expiresAt","type":"uint256","indexed":false}]},
  {"type":"event","name":"RequestSubmissionCreated","anonymous":false,
   "inputs":[{"name":"submitter","type":"address","indexed":false},{"name":"request","type":"address","indexed":false},{"name":"ipfsHash","type":"string","indexed":false},{"name":"price","type":"uint256","indexed":false},{"name":"submission","type":"address","indexed":false},{"name":"createdAt","type":"uint256","indexed":false}]},
  {"type":"event","name":"SubmissionPurchased","anonymous":false,
   "inputs":[{"name":"submission","type":"address","indexed":false},{"name":"buyer","type":"address","indexed":false},{"name":"price","type":"uint256","indexed":false},{"name":"purchaseDate","type":"uint256","indexed":false}]},
  {"type":"event","name":"RequestCommentCreated","anonymous":false,
   "inputs":[{"name":"commenter","type":"address","indexed":false},{"name":"request","type":"address","indexed":false},{"name":"ipfsHash","type":"string","indexed":false},{"name":"comment","type":"address","indexed":false},{"name":"createdAt","type":"uint256","indexed":false}]}
]`

const submissionABIJSON = `[
  {"type":"function","name":"price","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"hasPurchased","stateMutability":"view",
   "inputs":[{"name":"buyer","type":"address"}],"outputs":[{"name":"","type":"bool"}]}
]`

const nftABIJSON = `[
  {"type":"function","name":"mint","stateMutability":"nonpayable",
   "inputs":[{"name":"to","type":"address"},{"name":"tokenURI","type":"string"},{"name":"submission","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"Transfer","anonymous":false,
   "inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"tokenId","type":"uint256","indexed":true}]}
]`

const priceOracleABIJSON = `[
  {"type":"function","name":"getLatestPrice","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"int256"}]},
  {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

// Parsed contract ABIs.
var (
	FactoryABI     = mustParseABI("factory", factoryABIJSON)
	SubmissionABI  = mustParseABI("submission", submissionABIJSON)
	NFTABI         = mustParseABI("nft", nftABIJSON)
	PriceOracleABI = mustParseABI("price oracle", priceOracleABIJSON)
)

// Event descriptors used by the typed decoders.
var (
	EventPictureRequestCreated    = FactoryABI.Events["PictureRequestCreated"]
	EventRequestSubmissionCreated = FactoryABI.Events["RequestSubmissionCreated"]
	EventSubmissionPurchased      = FactoryABI.Events["SubmissionPurchased"]
	EventRequestCommentCreated    = FactoryABI.Events["RequestCommentCreated"]
	EventTransfer                 = NFTABI.Events["Transfer"]
)

func mustParseABI(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse %s abi: %v", name, err))
	}
	return parsed
}
